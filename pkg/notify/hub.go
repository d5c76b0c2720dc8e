// Package notify fans user-facing notifications out to registered
// sinks (websocket sessions, test doubles). A sink that fails delivery
// is deregistered; delivery outcomes land in the push log.
package notify

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

// Notification kinds.
const (
	KindAlert            = "alert"
	KindCrawlerDone      = "crawler_done"
	KindCronResult       = "cron_result"
	KindPipelineProgress = "pipeline_progress"
	KindCollectionDone   = "collection_done"
)

// Notification is one user-facing message.
type Notification struct {
	Kind    string    `json:"kind"`
	CaseUID string    `json:"case_uid,omitempty"`
	Title   string    `json:"title"`
	Body    string    `json:"body,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Sink delivers notifications to one connected user session.
type Sink interface {
	Send(n Notification) error
}

// Hub tracks connected sinks per user.
type Hub struct {
	mu    sync.RWMutex
	sinks map[string]map[Sink]struct{}
	store *store.Store
	log   *slog.Logger
}

// NewHub creates the hub. store may be nil to skip push logging.
func NewHub(s *store.Store, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{sinks: make(map[string]map[Sink]struct{}), store: s, log: log}
}

// Register attaches a sink for a user.
func (h *Hub) Register(userID string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sinks[userID]
	if !ok {
		set = make(map[Sink]struct{})
		h.sinks[userID] = set
	}
	set[s] = struct{}{}
}

// Unregister detaches a sink.
func (h *Hub) Unregister(userID string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sinks[userID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sinks, userID)
		}
	}
}

// Connected reports the number of sinks for a user.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks[userID])
}

// Notify delivers to one user's sinks. A failing sink is deregistered;
// the attempt is recorded in the push log either way.
func (h *Hub) Notify(ctx context.Context, userID string, n Notification) {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}

	h.mu.RLock()
	targets := make([]Sink, 0, len(h.sinks[userID]))
	for s := range h.sinks[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := len(targets) > 0
	var lastErr string
	for _, s := range targets {
		if err := s.Send(n); err != nil {
			h.log.Warn("notification delivery failed, deregistering sink",
				"user_id", userID, "kind", n.Kind, "error", err)
			h.Unregister(userID, s)
			delivered = false
			lastErr = err.Error()
		}
	}

	h.logPush(ctx, userID, n, delivered, lastErr)
}

// Broadcast delivers to every connected user.
func (h *Hub) Broadcast(ctx context.Context, n Notification) {
	h.mu.RLock()
	users := make([]string, 0, len(h.sinks))
	for userID := range h.sinks {
		users = append(users, userID)
	}
	h.mu.RUnlock()

	for _, userID := range users {
		h.Notify(ctx, userID, n)
	}
}

func (h *Hub) logPush(ctx context.Context, userID string, n Notification, delivered bool, errMsg string) {
	if h.store == nil || n.CaseUID == "" {
		return
	}
	entry := &model.PushLog{
		UID:       model.NewUID(model.KindPushLog),
		CaseUID:   n.CaseUID,
		UserID:    userID,
		Kind:      n.Kind,
		Delivered: delivered,
		Error:     errMsg,
		CreatedAt: time.Now().UTC(),
	}
	var db *sql.DB = h.store.DB()
	if err := store.InsertPushLog(ctx, db, entry); err != nil {
		h.log.Warn("push log write failed", "user_id", userID, "error", err)
	}
}
