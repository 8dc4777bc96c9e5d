// Package msg defines the interface for publishing signed wallet events to
// different message brokers.
package msg

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/opencustody/walletd/lib/msg/types"
)

// EventSink publishes signed events produced by the engines.
type EventSink interface {
	// Setup declares the broker resources (exchanges, queues).
	Setup() error
	// Close terminates gracefully the connection to the broker.
	Close() error

	// EmitEvent publishes a block event envelope for a service.
	EmitEvent(service string, e types.Envelope) error
	// EmitAlert publishes an operator alert envelope for a service.
	EmitAlert(service string, e types.Envelope) error
}

// Sign computes the hex HMAC-SHA256 of message under key.
func Sign(key, message []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)

	return hex.EncodeToString(mac.Sum(nil))
}

// Seal wraps a JSON-encoded message in a signed envelope.
func Seal(key, message []byte) types.Envelope {
	return types.Envelope{Signature: Sign(key, message), Message: message}
}

// Verify reports whether the envelope signature matches its message under
// key.
func Verify(key []byte, e types.Envelope) bool {
	return hmac.Equal([]byte(Sign(key, e.Message)), []byte(e.Signature))
}

// withdrawDigest is the canonical signing payload of a withdrawal request.
// Intake stores this signature; the payment engine recomputes and compares
// it before broadcasting, so a row tampered with at rest never executes.
type withdrawDigest struct {
	Currency     string `json:"currency"`
	WithdrawalID string `json:"withdrawalId"`
	Address      string `json:"address"`
	Tag          string `json:"tag"`
	Amount       string `json:"amount"`
	Asset        string `json:"asset"`
}

// SignWithdraw computes the canonical HMAC of a withdrawal request.
func SignWithdraw(key []byte, currency, withdrawalID, address, tag, amount, asset string) string {
	payload, _ := json.Marshal(withdrawDigest{
		Currency:     currency,
		WithdrawalID: withdrawalID,
		Address:      address,
		Tag:          tag,
		Amount:       amount,
		Asset:        asset,
	})

	return Sign(key, payload)
}
