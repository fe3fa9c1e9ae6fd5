// Package idgen generates prefixed random identifiers.
//
// IDs look like "rl_0195f3c2a1b4e8d29f07c63a5b1d" and start with the
// creation time in milliseconds, so IDs made by one process sort roughly
// by creation time. That keeps (created_at, id) pagination stable.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// Prefixes in use.
const (
	RelayLog  = "rl_"
	RiskEvent = "rev_"
	Webhook   = "wh_"
	Event     = "evt_"
	APIKey    = "ak_"
)

var now = time.Now

// WithPrefix returns prefix + 12 hex chars of millisecond timestamp +
// 16 hex chars of randomness.
func WithPrefix(prefix string) string {
	var b [14]byte
	ms := uint64(now().UnixMilli())
	// 48-bit timestamp, big-endian, so lexical order follows time.
	binary.BigEndian.PutUint16(b[0:2], uint16(ms>>32))
	binary.BigEndian.PutUint32(b[2:6], uint32(ms))
	mustRead(b[6:])
	return prefix + hex.EncodeToString(b[:])
}

// Hex returns 2*numBytes random hex characters, for secrets.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	mustRead(b)
	return hex.EncodeToString(b)
}

func mustRead(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
}
