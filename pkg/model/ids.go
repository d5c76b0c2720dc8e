package model

import (
	"strings"

	"github.com/google/uuid"
)

// Kind is the entity kind embedded into every uid prefix.
type Kind string

const (
	KindCase              Kind = "case"
	KindArtifactIdentity  Kind = "ai"
	KindArtifactVersion   Kind = "av"
	KindChunk             Kind = "ch"
	KindEvidence          Kind = "ev"
	KindSourceClaim       Kind = "sc"
	KindAssertion         Kind = "a"
	KindHypothesis        Kind = "h"
	KindAction            Kind = "act"
	KindToolTrace         Kind = "tt"
	KindAssessment        Kind = "ea"
	KindProbabilityUpdate Kind = "pu"
	KindNarrative         Kind = "nar"
	KindJudgment          Kind = "j"
	KindInvestigation     Kind = "inv"
	KindSubscription      Kind = "sub"
	KindEventLog          Kind = "evt"
	KindPushLog           Kind = "push"
	KindFeedback          Kind = "fb"
	KindRun               Kind = "run"
	KindCheckpoint        Kind = "ckpt"
)

// NewUID returns a globally-unique identifier prefixed by kind,
// e.g. "av_6f1c0c7e...". The prefix exists purely for debuggability;
// callers must treat uids as opaque.
func NewUID(k Kind) string {
	return string(k) + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// KindOf extracts the kind prefix from a uid. Returns "" when the uid
// carries no recognizable prefix.
func KindOf(uid string) Kind {
	i := strings.IndexByte(uid, '_')
	if i <= 0 {
		return ""
	}
	return Kind(uid[:i])
}
