// Package relaylog records every screened check and relay request.
package relaylog

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/relaygate/internal/pagination"
)

var ErrNotFound = errors.New("relaylog: entry not found")

// Decision labels stored on an entry.
const (
	DecisionAllowed = "allowed"
	DecisionBlocked = "blocked"
)

// Entry is one row of the relay log.
type Entry struct {
	ID             string    `json:"id"`
	PartnerID      string    `json:"partnerId"`
	Chain          string    `json:"chain"`
	FromAddr       string    `json:"fromAddr,omitempty"`
	ToAddr         string    `json:"toAddr"`
	Decision       string    `json:"decision"`
	RiskBand       string    `json:"riskBand"`
	RiskScore      int       `json:"riskScore"`
	Reasons        []string  `json:"reasons"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	TxHash         string    `json:"txHash,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists entries.
type Store interface {
	// Insert assigns ID and CreatedAt when empty.
	Insert(ctx context.Context, e *Entry) error
	SetTxHash(ctx context.Context, id, txHash string) error
	// FindByIdempotencyKey returns the latest entry for the partner and key
	// that carries a tx hash, or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, partnerID, key string) (*Entry, error)
	// ListByPartner returns entries newest first, strictly after cursor
	// when one is given.
	ListByPartner(ctx context.Context, partnerID string, limit int, cursor *pagination.Cursor) ([]*Entry, error)
}

// Before reports whether e sorts after cursor in newest-first order.
func (e *Entry) Before(c *pagination.Cursor) bool {
	if c == nil {
		return true
	}
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}
