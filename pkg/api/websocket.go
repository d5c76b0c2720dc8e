package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/veriscope-labs/veriscope/pkg/faults"
	"github.com/veriscope-labs/veriscope/pkg/notify"
)

// Frame types spoken over the WebSocket.
const (
	FrameChatSend          = "chat.send"
	FrameChatAbort         = "chat.abort"
	FrameChatHistory       = "chat.history"
	FrameChatDelta         = "chat.delta"
	FrameChatTool          = "chat.tool"
	FrameChatDone          = "chat.done"
	FrameChatError         = "chat.error"
	FrameNotify            = "notify"
	FrameChatHistoryResult = "chat.history.result"
)

// wsFrame is the wire envelope in both directions.
type wsFrame struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	CaseUID  string `json:"case_uid,omitempty"`
	Question string `json:"question,omitempty"`
	Text     string `json:"text,omitempty"`

	Answer  *chatResponse   `json:"answer,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"error_code,omitempty"`
	Notify  *notify.Notification `json:"notify,omitempty"`
	History []chatHistoryItem    `json:"history,omitempty"`
}

type chatHistoryItem struct {
	ActionUID string          `json:"action_uid"`
	Question  string          `json:"question,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	CreatedAt string          `json:"created_at"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the bearer token, not the Origin
	// header; browsers talking to a different origin still need auth.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn serializes writes onto one connection and acts as a notify
// sink for its user.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(f wsFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

// Send implements notify.Sink.
func (c *wsConn) Send(n notify.Notification) error {
	return c.write(wsFrame{Type: FrameNotify, CaseUID: n.CaseUID, Notify: &n})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	userID := ActorID(r.Context())
	wc := &wsConn{conn: conn}

	if s.deps.Hub != nil {
		s.deps.Hub.Register(userID, wc)
		defer s.deps.Hub.Unregister(userID, wc)
	}
	defer func() { _ = conn.Close() }()

	// Per-message cancel functions for chat.abort.
	var inflightMu sync.Mutex
	inflight := make(map[string]context.CancelFunc)

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case FrameChatSend:
			ctx, cancel := context.WithCancel(r.Context())
			inflightMu.Lock()
			inflight[frame.ID] = cancel
			inflightMu.Unlock()

			go func(f wsFrame) {
				defer func() {
					cancel()
					inflightMu.Lock()
					delete(inflight, f.ID)
					inflightMu.Unlock()
				}()
				s.serveChatFrame(ctx, wc, f)
			}(frame)

		case FrameChatAbort:
			inflightMu.Lock()
			if cancel, ok := inflight[frame.ID]; ok {
				cancel()
			}
			inflightMu.Unlock()

		case FrameChatHistory:
			s.serveChatHistory(r.Context(), wc, frame.CaseUID)

		default:
			_ = wc.write(wsFrame{Type: FrameChatError, ID: frame.ID,
				Code: string(faults.CodeValidation), Error: "unknown frame type " + frame.Type})
		}
	}
}

func (s *Server) serveChatFrame(ctx context.Context, wc *wsConn, f wsFrame) {
	if f.CaseUID == "" || f.Question == "" {
		_ = wc.write(wsFrame{Type: FrameChatError, ID: f.ID,
			Code: string(faults.CodeValidation), Error: "case_uid and question are required"})
		return
	}
	resp, err := s.answerChat(ctx, f.CaseUID, f.Question)
	if err != nil {
		if ctx.Err() != nil {
			_ = wc.write(wsFrame{Type: FrameChatError, ID: f.ID,
				Code: string(faults.CodeTimeout), Error: "aborted"})
			return
		}
		_ = wc.write(wsFrame{Type: FrameChatError, ID: f.ID,
			Code: string(faults.CodeOf(err)), Error: err.Error()})
		return
	}
	if resp.AnswerText != "" {
		_ = wc.write(wsFrame{Type: FrameChatDelta, ID: f.ID, Text: resp.AnswerText})
	}
	_ = wc.write(wsFrame{Type: FrameChatDone, ID: f.ID, CaseUID: f.CaseUID, Answer: resp})
}

func (s *Server) serveChatHistory(ctx context.Context, wc *wsConn, caseUID string) {
	if caseUID == "" {
		_ = wc.write(wsFrame{Type: FrameChatError,
			Code: string(faults.CodeValidation), Error: "case_uid is required"})
		return
	}
	actions, err := s.deps.Audit.ListActions(ctx, caseUID)
	if err != nil {
		_ = wc.write(wsFrame{Type: FrameChatError,
			Code: string(faults.CodeOf(err)), Error: err.Error()})
		return
	}
	var items []chatHistoryItem
	for _, a := range actions {
		if a.ActionType != "analysis.chat" {
			continue
		}
		var in struct {
			Question string `json:"question"`
		}
		_ = json.Unmarshal(a.Inputs, &in)
		items = append(items, chatHistoryItem{
			ActionUID: a.UID,
			Question:  in.Question,
			Answer:    a.Outputs,
			CreatedAt: a.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	_ = wc.write(wsFrame{Type: FrameChatHistoryResult, CaseUID: caseUID, History: items})
}
