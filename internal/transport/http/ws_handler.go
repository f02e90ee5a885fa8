package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quizrank-service/internal/app"
	"quizrank-service/internal/domain"
	"quizrank-service/internal/livesync"
	"quizrank-service/internal/session"
)

const outboxSize = 32

// WSHandler runs one quiz session per connection and streams the quiz leaderboard alongside.
type WSHandler struct {
	questions    app.QuestionSource
	recorder     session.Recorder
	leaderboards Leaderboards
	rules        session.Rules
	log          *zap.Logger
	upgrader     websocket.Upgrader
}

func NewWSHandler(s Services) *WSHandler {
	return &WSHandler{
		questions:    s.Questions,
		recorder:     s.Submissions,
		leaderboards: s.Leaderboards,
		rules:        s.Rules,
		log:          s.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	Answer string `json:"answer"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type rankingPayload struct {
	AttemptID   string               `json:"attemptId"`
	Ranking     domain.RankingResult `json:"ranking"`
	Provisional bool                 `json:"provisional"`
}

type statePayload struct {
	session.Snapshot
	RemainingMs int64 `json:"remainingMs"`
}

// outbox queues messages for the writer goroutine. A full queue drops its oldest message;
// pushes after close are ignored.
type outbox struct {
	mu     sync.Mutex
	closed bool
	ch     chan outboundMessage[any]
}

func newOutbox() *outbox {
	return &outbox{ch: make(chan outboundMessage[any], outboxSize)}
}

func (o *outbox) push(typ string, payload any) {
	msg := outboundMessage[any]{Type: typ, Payload: payload}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	for {
		select {
		case o.ch <- msg:
			return
		default:
		}
		select {
		case <-o.ch:
		default:
		}
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

func (o *outbox) pushError(err error) {
	o.push("error", newErrorBody(err))
}

// ServeWS upgrades the request and plays the quiz named by level, week and difficulty.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := quizKeyFrom(q)
	if err != nil {
		writeError(w, err)
		return
	}
	userID := strings.TrimSpace(q.Get("userId"))
	name := strings.TrimSpace(q.Get("name"))
	if userID == "" {
		writeError(w, domain.ErrUnauthorized)
		return
	}
	if name == "" {
		name = userID
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.log.With(zap.String("student", userID), zap.Stringer("quiz", key))
	out := newOutbox()
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range out.ch {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug("ws write failed", zap.Error(err))
				// Keep draining so producers never block on a dead connection.
				for range out.ch {
				}
				return
			}
		}
	}()

	var machine *session.Machine
	machine = session.NewMachine(context.WithoutCancel(r.Context()), h.rules.Config(key, userID, name), h.recorder, session.Options{
		Logger: h.log,
		OnChange: func(s session.State) {
			out.push("state", statePayload{Snapshot: s.Snapshot(), RemainingMs: remainingMs(s, machine)})
		},
		OnRecorded: func(sub domain.Submission, err error) {
			if err != nil {
				out.pushError(err)
				return
			}
			out.push("ranking", rankingPayload{AttemptID: sub.AttemptID, Ranking: sub.Ranking, Provisional: sub.Provisional})
		},
	})

	views, cancelViews := h.leaderboards.Subscribe(key)
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for v := range views {
			out.push("leaderboard", v)
		}
	}()

	machine.Load(r.Context(), h.questions)
	log.Info("ws session opened")

	for {
		var in inboundMessage
		if err := conn.ReadJSON(&in); err != nil {
			break
		}
		if err := h.handle(machine, in); err != nil {
			out.pushError(err)
		}
	}

	machine.Close()
	cancelViews()
	<-forwardDone
	out.close()
	<-writerDone
	log.Info("ws session closed", zap.String("status", string(machine.State().Status)))
}

// handle dispatches one client command. A command the session ignores is reported as
// InvalidState so the client can resync.
func (h *WSHandler) handle(m *session.Machine, in inboundMessage) error {
	prev := m.State()
	var next session.State
	switch in.Type {
	case "start":
		next = m.Start()
	case "answer":
		var p answerPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return domain.Invalid("invalid answer payload")
		}
		next = m.Select(p.Answer)
	case "advance":
		next = m.Advance()
	case "pause":
		next = m.TogglePause()
	case "finish":
		next = m.Finish()
	case "restart":
		next = m.Restart()
	default:
		return domain.Invalid("unsupported message type %q", in.Type)
	}
	if !session.Changed(prev, next) {
		return fmt.Errorf("%w: %s is not allowed while %s", domain.ErrInvalidState, in.Type, next.Status)
	}
	return nil
}

func remainingMs(s session.State, m *session.Machine) int64 {
	if m == nil || (s.Status != session.StatusActive && s.Status != session.StatusPaused) {
		return 0
	}
	return m.Remaining().Milliseconds()
}

// ServeLeaderboard streams the live leaderboard of a quiz without playing it.
func (h *WSHandler) ServeLeaderboard(w http.ResponseWriter, r *http.Request) {
	key, err := quizKeyFrom(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	views, cancel := h.leaderboards.Subscribe(key)
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case v, ok := <-views:
			if !ok {
				return
			}
			if err := conn.WriteJSON(outboundMessage[livesync.View]{Type: "leaderboard", Payload: v}); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}
