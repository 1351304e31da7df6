// Package normalize validates and canonicalizes raw collector payloads
// before they enter the fusion pipeline.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/listingfuse/internal/model"
)

// Reject reasons surfaced in logs and heartbeat stats.
const (
	ReasonSchemaInvalid = "schema_invalid"
	ReasonStaleOrSkewed = "stale_or_skewed"
)

// MaxClockSkew bounds how far detected_at may drift from wall clock.
const MaxClockSkew = time.Hour

// RejectError describes why a raw payload was refused.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("raw event rejected (%s): %s", e.Reason, e.Detail)
}

// Normalizer enforces the collector contract.
type Normalizer struct {
	classifier *Classifier
	now        func() time.Time
}

// New builds a normalizer with the given event-type classifier.
func New(classifier *Classifier) *Normalizer {
	return &Normalizer{classifier: classifier, now: time.Now}
}

// Normalize validates required fields, checks the clock sanity window,
// canonicalizes exchange and symbol, infers a missing event type from
// raw_text keywords, and truncates oversized text. The event is
// modified in place; a returned *RejectError means it must not proceed.
func (n *Normalizer) Normalize(e *model.RawEvent) error {
	if e.Source == "" {
		return &RejectError{Reason: ReasonSchemaInvalid, Detail: "missing source"}
	}
	if e.SourceType == "" {
		return &RejectError{Reason: ReasonSchemaInvalid, Detail: "missing source_type"}
	}
	if e.RawText == "" {
		return &RejectError{Reason: ReasonSchemaInvalid, Detail: "missing raw_text"}
	}
	if e.NodeID == "" {
		return &RejectError{Reason: ReasonSchemaInvalid, Detail: "missing node_id"}
	}
	if e.DetectedAt <= 0 {
		return &RejectError{Reason: ReasonSchemaInvalid, Detail: "missing detected_at"}
	}

	nowMS := n.now().UnixMilli()
	skew := e.DetectedAt - nowMS
	if skew > MaxClockSkew.Milliseconds() || -skew > MaxClockSkew.Milliseconds() {
		return &RejectError{
			Reason: ReasonStaleOrSkewed,
			Detail: fmt.Sprintf("detected_at %d is %dms from wall clock", e.DetectedAt, skew),
		}
	}

	e.Exchange = strings.ToLower(strings.TrimSpace(e.Exchange))
	e.CanonicalSymbol = model.CanonicalSymbol(e.Symbol)

	if e.Event == "" {
		e.Event = n.classifier.Classify(e.RawText)
	}

	e.RawText = model.ClampRawText(e.RawText)
	return nil
}

// SetClock overrides the wall clock. Tests only.
func (n *Normalizer) SetClock(now func() time.Time) { n.now = now }
