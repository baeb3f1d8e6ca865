package observability

import (
	"math/big"
	"strings"

	"mvault/native/vault"
)

// EventEmitter bridges settlement engine events into the prometheus
// registries. It implements vault.Emitter and can be chained in front of
// another emitter such as the audit recorder.
type EventEmitter struct {
	metrics *VaultMetrics
	next    vault.Emitter
}

// NewEventEmitter wires the vault metrics registry to the engine event
// stream. The next emitter may be nil.
func NewEventEmitter(next vault.Emitter) *EventEmitter {
	return &EventEmitter{metrics: Vault(), next: next}
}

// Emit records counters derived from the event and forwards it downstream.
func (e *EventEmitter) Emit(evt vault.Event) {
	if e == nil {
		return
	}
	if e.metrics != nil {
		e.record(evt)
	}
	if e.next != nil {
		e.next.Emit(evt)
	}
}

func (e *EventEmitter) record(evt vault.Event) {
	token := evt.Attributes["token_in"]
	if token == "" {
		token = evt.Attributes["token_out"]
	}
	switch evt.Type {
	case vault.EventDepositInstant, vault.EventRedeemInstant:
		e.metrics.ObserveOperation(evt.Type, nil)
		e.metrics.RecordSettlement(evt.Type, token, attrAmount(evt, "usd"), attrAmount(evt, "fee"))
	case vault.EventDepositRequest:
		e.metrics.ObserveOperation(evt.Type, nil)
		e.metrics.RecordTransition("mint", "pending")
	case vault.EventRedeemRequest:
		e.metrics.ObserveOperation(evt.Type, nil)
		e.metrics.RecordTransition("redeem", "pending")
	case vault.EventMintApproved:
		e.metrics.RecordTransition("mint", "approved")
		e.metrics.RecordSettlement(evt.Type, token, attrAmount(evt, "usd"), attrAmount(evt, "fee_usd"))
	case vault.EventMintRejected:
		e.metrics.RecordTransition("mint", "rejected")
	case vault.EventRedeemApproved:
		e.metrics.RecordTransition("redeem", "approved")
	case vault.EventRedeemRejected:
		e.metrics.RecordTransition("redeem", "rejected")
	}
}

func attrAmount(evt vault.Event, key string) *big.Int {
	raw := strings.TrimSpace(evt.Attributes[key])
	if raw == "" {
		return nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil
	}
	return value
}
