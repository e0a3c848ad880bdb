package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/session"
	"github.com/aretw0/binlens/pkg/views"
	"github.com/go-chi/chi/v5"
)

// Message is one server-sent event.
type Message struct {
	Event string
	Data  []byte
}

// StreamManager handles active SSE connections
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan<- Message]struct{} // SessionID -> Set of Channels
}

func NewStreamManager() *StreamManager {
	return &StreamManager{
		subscribers: make(map[string]map[chan<- Message]struct{}),
	}
}

func (sm *StreamManager) Subscribe(sessionID string) (chan Message, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan Message, 64)
	if _, ok := sm.subscribers[sessionID]; !ok {
		sm.subscribers[sessionID] = make(map[chan<- Message]struct{})
	}
	sm.subscribers[sessionID][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			sm.mu.Lock()
			defer sm.mu.Unlock()
			if subs, ok := sm.subscribers[sessionID]; ok {
				delete(subs, ch)
				close(ch)
				if len(subs) == 0 {
					delete(sm.subscribers, sessionID)
				}
			}
		})
	}
}

// Broadcast never blocks: view listeners call it while events are being applied.
func (sm *StreamManager) Broadcast(sessionID string, msg Message) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for ch := range sm.subscribers[sessionID] {
		select {
		case ch <- msg:
		default:
			// Drop message if channel is full (slow client)
			slog.Warn("SSE: Client buffer full, dropping message", "session_id", sessionID, "event", msg.Event)
		}
	}
}

// Subscribers returns the number of open streams for a session.
func (sm *StreamManager) Subscribers(sessionID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subscribers[sessionID])
}

// LogEvent is the payload of a "logs" event: the newest entry and the running total.
type LogEvent struct {
	Entry *domain.LogEntry `json:"entry,omitempty"`
	Total int              `json:"total"`
}

// watch attaches the session's listeners to the stream manager once.
func (s *Server) watch(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watched[sess.ID()]; ok {
		return
	}

	id := sess.ID()
	send := func(event string, v any) {
		b, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("SSE: encode failed", "event", event, "err", err)
			return
		}
		s.Streams.Broadcast(id, Message{Event: event, Data: b})
	}

	var (
		lastMu sync.Mutex
		last   = sess.Snapshot()
	)
	vs := sess.Views()
	s.watched[id] = []func(){
		sess.Subscribe(func(next domain.Session) {
			lastMu.Lock()
			diff := domain.Diff(&last, &next)
			last = next
			lastMu.Unlock()
			if diff != nil {
				send(views.NameSession, diff)
			}
		}),
		vs.Logs.OnAppend(func(added views.LogAppend) {
			send(views.NameLogs, LogEvent{Entry: &added.Entry, Total: added.Total})
		}),
		vs.Tally.OnChange(func(snap views.TallySnapshot) {
			send(views.NameTally, snap.Report(vs.Catalogue))
		}),
		vs.Trace.OnChange(func(trace []domain.Invocation) {
			if n := len(trace); n > 0 {
				send(views.NameTrace, trace[n-1])
			}
		}),
	}
}

func (s *Server) unwatch(id string) {
	s.mu.Lock()
	cancels := s.watched[id]
	delete(s.watched, id)
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// SubscribeEvents handles GET /sessions/{id}/events (SSE).
//
// The stream opens with a "snapshot" event, then carries "session" diffs and
// "logs", "tally" and "trace" updates. ?watch=logs,tally limits the update
// kinds. The stream ends after the session reaches a terminal state.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Controller.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("SubscribeEvents: Streaming not supported")
		return
	}

	watchList := map[string]bool{}
	if q := r.URL.Query().Get("watch"); q != "" {
		for _, v := range strings.Split(q, ",") {
			watchList[strings.TrimSpace(v)] = true
		}
	}
	keep := func(event string) bool {
		// Session changes always pass so clients see the end of the run.
		return len(watchList) == 0 || event == views.NameSession || watchList[event]
	}

	ch, cancel := s.Streams.Subscribe(sess.ID())
	defer cancel()
	s.watch(sess)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snap := sess.Snapshot()
	initial, _ := json.Marshal(snap)
	writeEvent(w, "snapshot", initial)
	flusher.Flush()
	if snap.State.IsTerminal() {
		return
	}
	s.logger.Info("SSE: client subscribed", "session_id", sess.ID())

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE: client disconnected", "session_id", sess.ID())
			return
		case <-sess.Done():
			// Flush whatever was queued before the terminal change.
			for {
				select {
				case msg := <-ch:
					if keep(msg.Event) {
						writeEvent(w, msg.Event, msg.Data)
					}
				default:
					flusher.Flush()
					return
				}
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !keep(msg.Event) {
				continue
			}
			writeEvent(w, msg.Event, msg.Data)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
