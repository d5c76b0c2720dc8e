package pipeline

import (
	"sync"
	"time"
)

// RunStatus is the lifecycle state of one pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunState is the observable progress of one run.
type RunState struct {
	RunID           string    `json:"run_id"`
	CaseUID         string    `json:"case_uid"`
	Playbook        string    `json:"playbook"`
	Status          RunStatus `json:"status"`
	Stage           string    `json:"stage,omitempty"`
	CompletedStages []string  `json:"completed_stages,omitempty"`
	TotalStages     int       `json:"total_stages"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Tracker holds in-memory run state and fans every change out to
// subscribers. Subscriber channels are buffered; a slow subscriber
// loses intermediate states, never blocks the run.
type Tracker struct {
	mu     sync.RWMutex
	runs   map[string]RunState
	subs   map[string]map[chan RunState]struct{}
	now    func() time.Time
	closed bool
}

func NewTracker() *Tracker {
	return &Tracker{
		runs: make(map[string]RunState),
		subs: make(map[string]map[chan RunState]struct{}),
		now:  time.Now,
	}
}

// Get returns the current state of a run.
func (t *Tracker) Get(runID string) (RunState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.runs[runID]
	return st, ok
}

// List returns every tracked run.
func (t *Tracker) List() []RunState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RunState, 0, len(t.runs))
	for _, st := range t.runs {
		out = append(out, st)
	}
	return out
}

// Subscribe returns a channel receiving every state change for a run,
// starting with the current state when one exists. The cancel func must
// be called to release the subscription.
func (t *Tracker) Subscribe(runID string) (<-chan RunState, func()) {
	ch := make(chan RunState, 16)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	set, ok := t.subs[runID]
	if !ok {
		set = make(map[chan RunState]struct{})
		t.subs[runID] = set
	}
	set[ch] = struct{}{}
	st, exists := t.runs[runID]
	t.mu.Unlock()

	if exists {
		ch <- st
	}

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if set, ok := t.subs[runID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(t.subs, runID)
			}
		}
	}
	return ch, cancel
}

func (t *Tracker) set(st RunState) {
	st.UpdatedAt = t.now().UTC()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.runs[st.RunID] = st
	targets := make([]chan RunState, 0, len(t.subs[st.RunID]))
	for ch := range t.subs[st.RunID] {
		targets = append(targets, ch)
	}
	t.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- st:
		default:
		}
	}
}

// Start registers a run as running.
func (t *Tracker) Start(runID, caseUID, playbook string, totalStages int) {
	t.set(RunState{
		RunID:       runID,
		CaseUID:     caseUID,
		Playbook:    playbook,
		Status:      RunRunning,
		StartedAt:   t.now().UTC(),
		TotalStages: totalStages,
	})
}

// StageStarted marks the active stage.
func (t *Tracker) StageStarted(runID, stage string) {
	t.mutate(runID, func(st *RunState) { st.Stage = stage })
}

// StageCompleted appends a finished stage.
func (t *Tracker) StageCompleted(runID, stage string) {
	t.mutate(runID, func(st *RunState) {
		st.CompletedStages = append(st.CompletedStages, stage)
		st.Stage = ""
	})
}

// Fail marks the run failed.
func (t *Tracker) Fail(runID string, err error) {
	t.mutate(runID, func(st *RunState) {
		st.Status = RunFailed
		st.Error = err.Error()
	})
}

// Complete marks the run finished.
func (t *Tracker) Complete(runID string) {
	t.mutate(runID, func(st *RunState) {
		st.Status = RunCompleted
		st.Stage = ""
	})
}

// Close ends every subscription and stops further fan-out, so
// streaming handlers observe channel close and return at shutdown.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for runID, set := range t.subs {
		for ch := range set {
			close(ch)
		}
		delete(t.subs, runID)
	}
}

func (t *Tracker) mutate(runID string, fn func(*RunState)) {
	t.mu.RLock()
	st, ok := t.runs[runID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	fn(&st)
	t.set(st)
}
