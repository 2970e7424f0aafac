package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/canopyos/updater/internal/session"
)

// idKeyFor names the id field a session's events carry on the wire:
// update_id for an update, backup_id for a backup, restore_id for a
// restore — session.Event itself always tags it update_id internally,
// since the queue doesn't know which job kind it belongs to.
func idKeyFor(kind session.Kind) string {
	switch kind {
	case session.KindBackup:
		return "backup_id"
	case session.KindRestore:
		return "restore_id"
	default:
		return "update_id"
	}
}

// streamSession relays sess's event queue to w as server-sent events
// until the session reaches a terminal state or the client disconnects.
// A synthetic "init" event is always sent first.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	idKey := idKeyFor(sess.Kind)
	writeSSE(w, idKey, sess.InitEvent())
	flusher.Flush()

	ctx := r.Context()
	go sess.RunHeartbeat(ctx, s.deps.Clock, s.deps.Cfg.SSEHeartbeat)

	for {
		evt, ok := sess.Next(ctx)
		if !ok {
			return
		}
		writeSSE(w, idKey, evt)
		flusher.Flush()
		if evt.Event == session.StateCompleted || evt.Event == session.StateFailed {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, idKey string, evt session.Event) {
	payload := map[string]any{"event": evt.Event}
	if evt.ID != "" {
		payload[idKey] = evt.ID
	}
	if evt.State != "" {
		payload["state"] = evt.State
	}
	if evt.Message != "" {
		payload["message"] = evt.Message
	}
	if evt.Progress != 0 {
		payload["progress"] = evt.Progress
	}
	if evt.Timestamp != "" {
		payload["ts"] = evt.Timestamp
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Event, data)
}
