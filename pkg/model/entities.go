// Package model defines the case-centric evidence data model.
//
// Every entity carries an opaque kind-prefixed uid, a case_uid scoping it
// to one investigation, and created_at. Mutable entities also carry
// updated_at. Entities reference each other by uid only; traversal goes
// through the model store.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Case is a named investigation. It is the ownership root: deleting a
// case cascades to every entity keyed by its uid.
type Case struct {
	UID       string    `json:"uid"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ArtifactIdentity is the logical identity of a source: one canonical URL
// plus a kind. Retrievals of the identity produce ArtifactVersions.
type ArtifactIdentity struct {
	UID          string    `json:"uid"`
	CaseUID      string    `json:"case_uid"`
	CanonicalURL string    `json:"canonical_url"`
	Kind         string    `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArtifactVersion is one retrieval of an artifact identity. Versions are
// immutable once created; storage_ref must resolve to bytes whose SHA-256
// equals ContentSHA256.
type ArtifactVersion struct {
	UID                 string            `json:"uid"`
	CaseUID             string            `json:"case_uid"`
	ArtifactIdentityUID string            `json:"artifact_identity_uid"`
	ContentSHA256       string            `json:"content_sha256"`
	StorageRef          string            `json:"storage_ref"`
	MimeType            string            `json:"mime_type"`
	RetrievedAt         time.Time         `json:"retrieved_at"`
	SourceMeta          map[string]string `json:"source_meta,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// AnchorSet describes how to relocate a chunk span after the source is
// re-fetched. Strategies are tried in order: exact quote, offset window,
// fuzzy prefix/suffix.
type AnchorSet struct {
	Exact       string `json:"exact"`
	Prefix      string `json:"prefix,omitempty"`
	Suffix      string `json:"suffix,omitempty"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

// AnchorHealth records which anchor strategies currently locate the chunk.
type AnchorHealth struct {
	ExactQuote   bool      `json:"exact_quote"`
	OffsetWindow bool      `json:"offset_window"`
	Fuzzy        bool      `json:"fuzzy"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Chunk is an ordered span within an ArtifactVersion.
// (artifact_version_uid, ordinal) is unique.
type Chunk struct {
	UID                string       `json:"uid"`
	CaseUID            string       `json:"case_uid"`
	ArtifactVersionUID string       `json:"artifact_version_uid"`
	Ordinal            int          `json:"ordinal"`
	Text               string       `json:"text"`
	Anchors            AnchorSet    `json:"anchor_set"`
	AnchorHealth       AnchorHealth `json:"anchor_health"`
	EmbeddingSynced    bool         `json:"embedding_synced"`
	CreatedAt          time.Time    `json:"created_at"`
}

// Evidence is a first-class, policy-decorated reference onto a Chunk.
// Every downstream claim must cite at least one Evidence.
type Evidence struct {
	UID             string    `json:"uid"`
	CaseUID         string    `json:"case_uid"`
	ChunkUID        string    `json:"chunk_uid"`
	License         string    `json:"license,omitempty"`
	PIIFlags        []string  `json:"pii_flags,omitempty"`
	RetentionPolicy string    `json:"retention_policy,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Modality of a source claim.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityVideo Modality = "video"
	ModalityAudio Modality = "audio"
)

// Selector is a W3C-style selector identifying the exact quoted span.
type Selector struct {
	Type   string `json:"type"`
	Exact  string `json:"exact,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Suffix string `json:"suffix,omitempty"`
	Start  int    `json:"start,omitempty"`
	End    int    `json:"end,omitempty"`
}

// SourceClaim is a verbatim quote anchored to a chunk. For text modality
// the quote must be a substring of the referenced chunk's text.
type SourceClaim struct {
	UID            string     `json:"uid"`
	CaseUID        string     `json:"case_uid"`
	ChunkUID       string     `json:"chunk_uid"`
	EvidenceUID    string     `json:"evidence_uid"`
	Quote          string     `json:"quote"`
	Selectors      []Selector `json:"selectors,omitempty"`
	OriginalLang   string     `json:"original_lang,omitempty"`
	Translation    string     `json:"translation,omitempty"`
	Modality       Modality   `json:"modality"`
	SegmentRef     string     `json:"segment_ref,omitempty"`
	MediaTimeRange string     `json:"media_time_range,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AssertionKind tags the structured value carried by an assertion.
type AssertionKind string

const (
	AssertionFactual    AssertionKind = "factual"
	AssertionRelational AssertionKind = "relational"
	AssertionTemporal   AssertionKind = "temporal"
)

// FactualValue states a single fact about a subject.
type FactualValue struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// RelationalValue relates two entities.
type RelationalValue struct {
	Source   string `json:"source"`
	Relation string `json:"relation"`
	Target   string `json:"target"`
}

// TemporalValue places an event in time.
type TemporalValue struct {
	Event string `json:"event"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// AssertionValue is the tagged union persisted as opaque JSON. Exactly one
// of the payload fields matching Kind is set.
type AssertionValue struct {
	Kind       AssertionKind    `json:"kind"`
	Factual    *FactualValue    `json:"factual,omitempty"`
	Relational *RelationalValue `json:"relational,omitempty"`
	Temporal   *TemporalValue   `json:"temporal,omitempty"`
}

// Validate checks the tag/payload pairing.
func (v AssertionValue) Validate() error {
	switch v.Kind {
	case AssertionFactual:
		if v.Factual == nil {
			return fmt.Errorf("model: assertion kind %q without factual payload", v.Kind)
		}
	case AssertionRelational:
		if v.Relational == nil {
			return fmt.Errorf("model: assertion kind %q without relational payload", v.Kind)
		}
	case AssertionTemporal:
		if v.Temporal == nil {
			return fmt.Errorf("model: assertion kind %q without temporal payload", v.Kind)
		}
	default:
		return fmt.Errorf("model: unknown assertion kind %q", v.Kind)
	}
	return nil
}

// Assertion is a structured value derived from one or more SourceClaims.
// Confidence reflects fusion output, never LLM self-report.
type Assertion struct {
	UID             string         `json:"uid"`
	CaseUID         string         `json:"case_uid"`
	Value           AssertionValue `json:"value"`
	Text            string         `json:"text"`
	SourceClaimUIDs []string       `json:"source_claim_uids"`
	Confidence      float64        `json:"confidence"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Validate enforces the non-empty citation invariant.
func (a *Assertion) Validate() error {
	if len(a.SourceClaimUIDs) == 0 {
		return fmt.Errorf("model: assertion %s has no source claims", a.UID)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("model: assertion %s confidence %f out of [0,1]", a.UID, a.Confidence)
	}
	return a.Value.Validate()
}

// AdversarialResult records the outcome of adversarial testing against a
// hypothesis.
type AdversarialResult struct {
	Tested     bool     `json:"tested"`
	Survived   bool     `json:"survived"`
	Challenges []string `json:"challenges,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// Hypothesis is a labeled proposition evaluated against assertions. An
// assertion uid may appear in at most one of supporting/contradicting.
type Hypothesis struct {
	UID                      string             `json:"uid"`
	CaseUID                  string             `json:"case_uid"`
	Label                    string             `json:"label"`
	Statement                string             `json:"statement"`
	SupportingAssertionUIDs  []string           `json:"supporting_assertion_uids"`
	ContradictingAssertionUIDs []string         `json:"contradicting_assertion_uids"`
	CoverageScore            float64            `json:"coverage_score"`
	Confidence               float64            `json:"confidence"`
	GapList                  []Gap              `json:"gap_list"`
	PriorProbability         *float64           `json:"prior_probability,omitempty"`
	PosteriorProbability     *float64           `json:"posterior_probability,omitempty"`
	Adversarial              *AdversarialResult `json:"adversarial_result,omitempty"`
	Persona                  string             `json:"persona,omitempty"`
	CreatedAt                time.Time          `json:"created_at"`
	UpdatedAt                time.Time          `json:"updated_at"`
}

// Gap is a missing piece of evidence the hypothesis needs.
type Gap struct {
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Query       string `json:"query,omitempty"`
}

// Validate enforces supporting/contradicting disjointness.
func (h *Hypothesis) Validate() error {
	seen := make(map[string]struct{}, len(h.SupportingAssertionUIDs))
	for _, uid := range h.SupportingAssertionUIDs {
		seen[uid] = struct{}{}
	}
	for _, uid := range h.ContradictingAssertionUIDs {
		if _, ok := seen[uid]; ok {
			return fmt.Errorf("model: hypothesis %s lists assertion %s as both supporting and contradicting", h.UID, uid)
		}
	}
	return nil
}

// Relation of a piece of evidence to a hypothesis.
type Relation string

const (
	RelationSupport    Relation = "support"
	RelationContradict Relation = "contradict"
	RelationIrrelevant Relation = "irrelevant"
)

// EvidenceAssessment judges one (hypothesis, evidence) pair. Unique per pair.
type EvidenceAssessment struct {
	UID           string    `json:"uid"`
	CaseUID       string    `json:"case_uid"`
	HypothesisUID string    `json:"hypothesis_uid"`
	EvidenceUID   string    `json:"evidence_uid"`
	Relation      Relation  `json:"relation"`
	Strength      float64   `json:"strength"`
	Likelihood    float64   `json:"likelihood"`
	CreatedAt     time.Time `json:"created_at"`
}

// ProbabilityUpdate is an append-only audit row for one Bayesian step.
type ProbabilityUpdate struct {
	UID             string    `json:"uid"`
	CaseUID         string    `json:"case_uid"`
	HypothesisUID   string    `json:"hypothesis_uid"`
	AssessmentUID   string    `json:"assessment_uid,omitempty"`
	Prior           float64   `json:"prior"`
	Posterior       float64   `json:"posterior"`
	Likelihood      float64   `json:"likelihood"`
	LikelihoodRatio *float64  `json:"likelihood_ratio,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Narrative groups source claims around a theme over a time window.
type Narrative struct {
	UID             string    `json:"uid"`
	CaseUID         string    `json:"case_uid"`
	Theme           string    `json:"theme"`
	Summary         string    `json:"summary"`
	SourceClaimUIDs []string  `json:"source_claim_uids"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Judgment is a titled answer citing assertions; the unit exported as
// "the result" of an investigation.
type Judgment struct {
	UID           string    `json:"uid"`
	CaseUID       string    `json:"case_uid"`
	Title         string    `json:"title"`
	AnswerText    string    `json:"answer_text"`
	AssertionUIDs []string  `json:"assertion_uids"`
	Confidence    float64   `json:"confidence"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Action is the audit spine: one append-only record per state change.
type Action struct {
	UID        string          `json:"uid"`
	CaseUID    string          `json:"case_uid"`
	ActionType string          `json:"action_type"`
	ActorID    string          `json:"actor_id"`
	Rationale  string          `json:"rationale,omitempty"`
	Inputs     json.RawMessage `json:"inputs,omitempty"`
	Outputs    json.RawMessage `json:"outputs,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	SpanID     string          `json:"span_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ToolTraceStatus is the uniform outcome of a tool invocation.
type ToolTraceStatus string

const (
	ToolStatusOK      ToolTraceStatus = "ok"
	ToolStatusDenied  ToolTraceStatus = "denied"
	ToolStatusError   ToolTraceStatus = "error"
	ToolStatusUnknown ToolTraceStatus = "unknown"
)

// ToolTrace records one outbound tool invocation, bound to an Action.
// Never mutated after insert; upserts by UID are idempotent.
type ToolTrace struct {
	UID        string          `json:"uid"`
	ActionUID  string          `json:"action_uid"`
	CaseUID    string          `json:"case_uid"`
	ToolName   string          `json:"tool_name"`
	Request    json.RawMessage `json:"request,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Status     ToolTraceStatus `json:"status"`
	DurationMS int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
	Policy     json.RawMessage `json:"policy,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// InvestigationRound summarizes one gap-filling round.
type InvestigationRound struct {
	Round         int       `json:"round"`
	GapsTargeted  int       `json:"gaps_targeted"`
	ClaimsAdded   int       `json:"claims_added"`
	Summary       string    `json:"summary"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Investigation records one autonomous gap-filling loop.
type Investigation struct {
	UID          string               `json:"uid"`
	CaseUID      string               `json:"case_uid"`
	TriggerEvent string               `json:"trigger_event"`
	Config       InvestigationConfig  `json:"config"`
	Rounds       []InvestigationRound `json:"rounds"`
	TotalClaims  int                  `json:"total_claims"`
	TotalTools   int                  `json:"total_tools"`
	GapResolved  bool                 `json:"gap_resolved"`
	Status       string               `json:"status"`
	CancelledBy  string               `json:"cancelled_by,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// InvestigationConfig bounds an investigation loop.
type InvestigationConfig struct {
	MaxRounds           int           `json:"max_rounds"`
	GapPriorityThreshold int          `json:"gap_priority_threshold"`
	MinEvidencePerRound int           `json:"min_evidence_per_round"`
	RoundTimeout        time.Duration `json:"round_timeout"`
}

// Subscription is a user-scoped interest rule.
type Subscription struct {
	UID       string    `json:"uid"`
	CaseUID   string    `json:"case_uid"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Filter    string    `json:"filter,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventLog is a canonicalized incoming event, deduped by source_event_uid.
type EventLog struct {
	UID            string          `json:"uid"`
	CaseUID        string          `json:"case_uid"`
	SourceEventUID string          `json:"source_event_uid"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PushLog audits one notification delivery.
type PushLog struct {
	UID       string    `json:"uid"`
	CaseUID   string    `json:"case_uid"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AssertionFeedback is a per-user signal on an assertion.
// Unique per (user_id, assertion_uid).
type AssertionFeedback struct {
	UID          string    `json:"uid"`
	CaseUID      string    `json:"case_uid"`
	AssertionUID string    `json:"assertion_uid"`
	UserID       string    `json:"user_id"`
	Verdict      string    `json:"verdict"`
	Comment      string    `json:"comment,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
