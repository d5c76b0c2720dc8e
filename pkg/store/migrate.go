package store

import "fmt"

// migrate creates the converged schema. Statements are idempotent; the
// store carries no migration bookkeeping beyond CREATE IF NOT EXISTS.
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cases (
			uid TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifact_identities (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			canonical_url TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifact_versions (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			artifact_identity_uid TEXT NOT NULL,
			content_sha256 TEXT NOT NULL,
			storage_ref TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			retrieved_at TEXT NOT NULL,
			source_meta TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (case_uid, content_sha256)
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			artifact_version_uid TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			text TEXT NOT NULL,
			anchor_set TEXT NOT NULL,
			anchor_health TEXT,
			embedding_synced INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE (artifact_version_uid, ordinal)
		)`,
		`CREATE TABLE IF NOT EXISTS evidence (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			chunk_uid TEXT NOT NULL,
			license TEXT,
			pii_flags TEXT,
			retention_policy TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS source_claims (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			chunk_uid TEXT NOT NULL,
			evidence_uid TEXT NOT NULL,
			quote TEXT NOT NULL,
			selectors TEXT,
			original_lang TEXT,
			translation TEXT,
			modality TEXT NOT NULL DEFAULT 'text',
			segment_ref TEXT,
			media_time_range TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS assertions (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			value TEXT NOT NULL,
			text TEXT NOT NULL,
			source_claim_uids TEXT NOT NULL,
			confidence REAL NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS assertion_feedback (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			assertion_uid TEXT NOT NULL,
			user_id TEXT NOT NULL,
			verdict TEXT NOT NULL,
			comment TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (user_id, assertion_uid)
		)`,
		`CREATE TABLE IF NOT EXISTS hypotheses (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			label TEXT NOT NULL,
			statement TEXT NOT NULL,
			supporting_assertion_uids TEXT,
			contradicting_assertion_uids TEXT,
			coverage_score REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			gap_list TEXT,
			prior_probability REAL,
			posterior_probability REAL,
			adversarial_result TEXT,
			persona TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS evidence_assessments (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			hypothesis_uid TEXT NOT NULL,
			evidence_uid TEXT NOT NULL,
			relation TEXT NOT NULL,
			strength REAL NOT NULL,
			likelihood REAL NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (hypothesis_uid, evidence_uid)
		)`,
		`CREATE TABLE IF NOT EXISTS probability_updates (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			hypothesis_uid TEXT NOT NULL,
			assessment_uid TEXT,
			prior REAL NOT NULL,
			posterior REAL NOT NULL,
			likelihood REAL NOT NULL,
			likelihood_ratio REAL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS narratives (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			theme TEXT NOT NULL,
			summary TEXT,
			source_claim_uids TEXT,
			window_start TEXT,
			window_end TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS judgments (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			title TEXT NOT NULL,
			answer_text TEXT,
			assertion_uids TEXT,
			confidence REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS investigations (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			trigger_event TEXT,
			config TEXT,
			rounds TEXT,
			total_claims INTEGER NOT NULL DEFAULT 0,
			total_tools INTEGER NOT NULL DEFAULT 0,
			gap_resolved INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			cancelled_by TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			filter TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_log (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			source_event_uid TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS push_log (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL REFERENCES cases(uid) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			delivered INTEGER NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS actions (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL,
			action_type TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			rationale TEXT,
			inputs TEXT,
			outputs TEXT,
			trace_id TEXT,
			span_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_traces (
			uid TEXT PRIMARY KEY,
			action_uid TEXT NOT NULL,
			case_uid TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			request TEXT,
			response TEXT,
			status TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			policy TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			step INTEGER NOT NULL,
			state_json TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_av ON chunks(artifact_version_uid)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_case ON actions(case_uid)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_action ON tool_traces(action_uid)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_prob_updates_hyp ON probability_updates(hypothesis_uid, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate failed: %w", err)
		}
	}
	return nil
}
