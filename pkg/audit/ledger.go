// Package audit is the append-only ledger of Actions and ToolTraces.
//
// Every state-changing operation writes exactly one Action; every tool
// invocation writes one ToolTrace bound to an Action. Records are never
// mutated after insert. Writes pair with the business write they document
// in the same transaction; a failed audit write is fatal to the business
// write.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/veriscope-labs/veriscope/pkg/canonicalize"
	"github.com/veriscope-labs/veriscope/pkg/model"
)

// Recorder persists audit records. The store-backed implementation lives
// in pkg/store; the JSONL sink in this package is an optional secondary
// sink.
type Recorder interface {
	// RecordAction appends one Action and returns its uid.
	RecordAction(ctx context.Context, a *model.Action) (string, error)
	// RecordToolTrace appends one ToolTrace. Upserts by trace uid are
	// idempotent (at-least-once delivery).
	RecordToolTrace(ctx context.Context, tt *model.ToolTrace) (string, error)
}

// NewAction assembles an Action with a fresh uid, UTC timestamp, and the
// trace/span identifiers from the active span context.
func NewAction(ctx context.Context, caseUID, actionType, actorID, rationale string, inputs any) (*model.Action, error) {
	var rawInputs json.RawMessage
	if inputs != nil {
		b, err := json.Marshal(inputs)
		if err != nil {
			return nil, err
		}
		rawInputs = b
	}

	a := &model.Action{
		UID:        model.NewUID(model.KindAction),
		CaseUID:    caseUID,
		ActionType: actionType,
		ActorID:    actorID,
		Rationale:  rationale,
		Inputs:     rawInputs,
		CreatedAt:  time.Now().UTC(),
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		a.TraceID = sc.TraceID().String()
		a.SpanID = sc.SpanID().String()
	}
	return a, nil
}

// SetOutputs attaches the outputs document to an action before it is
// recorded.
func SetOutputs(a *model.Action, outputs any) error {
	b, err := json.Marshal(outputs)
	if err != nil {
		return err
	}
	a.Outputs = b
	return nil
}

// ContentHash computes the tamper-evidence hash of an action over its
// canonical JSON form.
func ContentHash(a *model.Action) (string, error) {
	return canonicalize.Hash(a)
}
