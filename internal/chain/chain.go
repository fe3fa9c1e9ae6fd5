// Package chain decodes signed raw transactions and broadcasts them to the
// RPC endpoint of the target EVM chain.
package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrNotHex           = errors.New("chain: rawTx must be 0x-hex string")
	ErrInvalidTx        = errors.New("chain: invalid raw transaction")
	ErrContractCreation = errors.New("chain: missing 'to' in rawTx (contract creation not supported)")
	ErrNoRPC            = errors.New("chain: no RPC URL configured")
)

// Supported chain names.
const (
	Ethereum = "ethereum"
	Polygon  = "polygon"
	Arbitrum = "arbitrum"
	Optimism = "optimism"
)

// Names lists the supported chains.
var Names = []string{Ethereum, Polygon, Arbitrum, Optimism}

// Normalize lower-cases name. Empty and unknown names resolve to ethereum.
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, known := range Names {
		if n == known {
			return n
		}
	}
	return Ethereum
}

// IsHexString reports whether s is "0x" followed by at least one hex digit.
func IsHexString(s string) bool {
	if len(s) < 3 || (s[:2] != "0x" && s[:2] != "0X") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// DecodeRawTx parses a signed transaction in its canonical binary encoding.
// Legacy and typed (EIP-2718) envelopes are both accepted.
func DecodeRawTx(raw string) (*types.Transaction, error) {
	if !IsHexString(raw) {
		return nil, ErrNotHex
	}
	b, err := hexutil.Decode("0x" + raw[2:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	return tx, nil
}

// RecipientOf returns the lower-cased destination address. ok is false for
// contract creations.
func RecipientOf(tx *types.Transaction) (string, bool) {
	to := tx.To()
	if to == nil {
		return "", false
	}
	return strings.ToLower(to.Hex()), true
}

// SenderOf recovers the lower-cased signer address.
func SenderOf(tx *types.Transaction) (string, error) {
	var signer types.Signer = types.HomesteadSigner{}
	if tx.Protected() {
		signer = types.LatestSignerForChainID(tx.ChainId())
	}
	from, err := types.Sender(signer, tx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	return strings.ToLower(from.Hex()), nil
}
