package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/pkg/jobstore"
	"github.com/3leaps/lexbatch/pkg/observe"
)

const writeWait = 10 * time.Second

// Watch message types.
const (
	WatchSnapshot = "snapshot"
	WatchError    = "error"
	WatchGone     = "gone"
)

// WatchMessage is one websocket frame sent by the watch endpoint.
type WatchMessage struct {
	Type     string            `json:"type"`
	Snapshot *observe.Snapshot `json:"snapshot,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// originChecker builds an Upgrader.CheckOrigin. A nil result keeps
// gorilla's same-host check.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if set[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

type viewSource struct{ svc JobService }

func (s viewSource) View(ctx context.Context, id string, q jobstore.ItemsQuery) (*jobstore.JobView, error) {
	return s.svc.GetJob(ctx, id, q)
}

// watchJob streams a snapshot on every change until the job is terminal,
// disappears, or the client goes away.
func (h *Jobs) watchJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	q, err := itemsQuery(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if _, err := h.svc.GetJob(r.Context(), id, jobstore.ItemsQuery{PageSize: 1}); err != nil {
		respondWithError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends data; reading detects its close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg WatchMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	obs := observe.New(viewSource{h.svc}, id, observe.Options{
		Items:           q,
		PersistentAfter: h.watch.PersistentAfter,
		Logger:          h.logger,
	})
	err = obs.Watch(ctx, h.watch.Interval, func(ev observe.Event) error {
		if ev.Err != nil {
			return send(WatchMessage{Type: WatchError, Error: ev.Err.Error()})
		}
		snap := ev.Snapshot
		return send(WatchMessage{Type: WatchSnapshot, Snapshot: &snap})
	})

	switch {
	case jobstore.IsNotFound(err):
		_ = send(WatchMessage{Type: WatchGone, Error: err.Error()})
	case err != nil && !errors.Is(err, context.Canceled):
		h.logger.Debug("Watch ended", zap.String("job_id", id), zap.Error(err))
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
