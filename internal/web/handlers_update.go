package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/canopyos/updater/internal/pipeline"
	"github.com/canopyos/updater/internal/session"
	"github.com/canopyos/updater/internal/store"
)

type updateStartRequest struct {
	TargetVersion string `json:"target_version"`
	Channel       string `json:"channel"`
	Force         bool   `json:"force"`
}

// apiUpdateStart claims the update single-flight gate, creates a session,
// and runs the update pipeline as a detached goroutine.
func (s *Server) apiUpdateStart(w http.ResponseWriter, r *http.Request) {
	var req updateStartRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if s.deps.UpdateGate.IsEffectivelyActive(s.deps.Sessions.Lookup) {
		writeError(w, http.StatusConflict, "an update is already in progress")
		return
	}

	id := newID("upd", s.deps.Clock)
	if !s.deps.UpdateGate.TryAcquire(id) {
		writeError(w, http.StatusConflict, "an update is already in progress")
		return
	}

	logPath := filepath.Join(s.deps.Cfg.UpdateLogsDir, id+".log")
	sess := session.New(id, session.KindUpdate, "preflight", "Starting", logPath, s.deps.Clock)
	s.deps.Sessions.Put(sess)
	s.deps.Metrics.SetActiveJobs("update", 1)

	go func() {
		defer s.deps.UpdateGate.Release(id)
		defer s.deps.Metrics.SetActiveJobs("update", 0)

		s.deps.Update.Run(context.Background(), sess, pipeline.Request{
			TargetVersion: req.TargetVersion,
			Channel:       req.Channel,
			Force:         req.Force,
		})
		s.recordJob(id, "update", sess)
		sess.CloseQueue()
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"update_id": id, "state": "preflight"})
}

// apiUpdateStatus returns the current snapshot of an update session, or
// an idle placeholder if the id is unknown.
func (s *Server) apiUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("update_id")
	sess := s.deps.Sessions.Get(id)
	if sess == nil {
		writeJSON(w, http.StatusOK, map[string]any{"update_id": id, "state": "idle"})
		return
	}
	writeJSON(w, http.StatusOK, statusPayload("update_id", sess.Status()))
}

// apiUpdateStream relays an update session's events over SSE.
func (s *Server) apiUpdateStream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("update_id")
	sess := s.deps.Sessions.Get(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "unknown update_id")
		return
	}
	s.streamSession(w, r, sess)
}

// apiUpdateCancel is fire-and-forget: it always returns 200, even for an
// unknown id, since requesting cancellation of a job that already
// finished or never existed isn't an error from the caller's view.
func (s *Server) apiUpdateCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UpdateID string `json:"update_id"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if sess := s.deps.Sessions.Get(req.UpdateID); sess != nil {
		sess.RequestCancel()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// apiVersion reports current and latest version info, overlaying whether
// an update is currently in progress.
func (s *Server) apiVersion(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "true"
	info, err := s.deps.Resolver.GetLatest(r.Context(), refresh)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to resolve version info: %v", err))
		return
	}
	info.UpdateInProgress = s.deps.UpdateGate.IsEffectivelyActive(s.deps.Sessions.Lookup)
	writeJSON(w, http.StatusOK, info)
}

func statusPayload(idKey string, snap session.Snapshot) map[string]any {
	return map[string]any{
		idKey:        snap.ID,
		"state":      snap.State,
		"phase":      snap.Phase,
		"progress":   snap.Progress,
		"log_tail":   snap.LogTail,
		"started_at": snap.StartedAt,
	}
}

// recordJob persists a terminal session's outcome to the job history
// store. Best-effort: a store failure is logged, never surfaced to the
// caller that triggered the job.
func (s *Server) recordJob(id, class string, sess *session.Session) {
	if s.deps.Jobs == nil {
		return
	}
	snap := sess.Status()
	rec := store.JobRecord{
		ID:         id,
		Class:      class,
		Outcome:    snap.State,
		StartedAt:  snap.StartedAt,
		FinishedAt: s.deps.Clock.Now(),
	}
	if snap.State == session.StateFailed && len(snap.LogTail) > 0 {
		rec.Error = snap.LogTail[len(snap.LogTail)-1]
	}
	if err := s.deps.Jobs.RecordJob(rec); err != nil {
		s.deps.Log.Warn("failed to record job history", "id", id, "error", err)
	}
}
