package vault

import (
	"encoding/hex"
	"math/big"
	"time"
)

// Event types emitted by the engine. Every state-changing operation emits
// exactly one event after its effects have been applied.
const (
	EventDepositInstant  = "vault.deposit.instant"
	EventDepositRequest  = "vault.deposit.request"
	EventMintApproved    = "vault.mint.approved"
	EventMintRejected    = "vault.mint.rejected"
	EventRedeemInstant   = "vault.redeem.instant"
	EventRedeemRequest   = "vault.redeem.request"
	EventRedeemApproved  = "vault.redeem.approved"
	EventRedeemRejected  = "vault.redeem.rejected"
	EventTokenAdded      = "vault.token.added"
	EventTokenRemoved    = "vault.token.removed"
	EventLimitUpdated    = "vault.limit.updated"
	EventWaiverUpdated   = "vault.waiver.updated"
)

// Event is the audit record handed to the configured emitter.
type Event struct {
	Type       string
	Timestamp  time.Time
	Attributes map[string]string
}

// Emitter receives engine events. Implementations must not block; slow sinks
// should buffer internally.
type Emitter interface {
	Emit(evt Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}

func newEvent(kind string, ts time.Time) Event {
	return Event{Type: kind, Timestamp: ts, Attributes: make(map[string]string)}
}

func (e Event) with(key, value string) Event {
	e.Attributes[key] = value
	return e
}

func (e Event) withAddr(key string, addr [20]byte) Event {
	return e.with(key, hex.EncodeToString(addr[:]))
}

func (e Event) withAmount(key string, amount *big.Int) Event {
	if amount == nil {
		return e.with(key, "0")
	}
	return e.with(key, amount.String())
}
