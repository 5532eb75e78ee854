package events

import (
	"strconv"

	"bithedge/core/types"
	"bithedge/crypto"
)

// TypeAuditViolation marks a conservation or consistency check failure
// discovered by the verification layer.
const TypeAuditViolation = "audit.violation"

// AuditViolation reports a failed ledger invariant with enough context to
// locate the offending records.
type AuditViolation struct {
	Check    string
	PolicyID uint64
	Provider crypto.Address
	Token    string
	Expected string
	Actual   string
	Detail   string
}

// EventType satisfies the events.Event interface.
func (AuditViolation) EventType() string { return TypeAuditViolation }

// Event converts the structured payload into a broadcastable event.
func (e AuditViolation) Event() *types.Event {
	attrs := map[string]string{
		"check": e.Check,
	}
	if e.PolicyID > 0 {
		attrs["policyId"] = strconv.FormatUint(e.PolicyID, 10)
	}
	putAddr(attrs, "provider", e.Provider)
	if token := normalizeToken(e.Token); token != "" {
		attrs["token"] = token
	}
	if e.Expected != "" {
		attrs["expected"] = e.Expected
	}
	if e.Actual != "" {
		attrs["actual"] = e.Actual
	}
	if e.Detail != "" {
		attrs["detail"] = e.Detail
	}
	return &types.Event{Type: TypeAuditViolation, Attributes: attrs}
}
