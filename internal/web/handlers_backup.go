package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/canopyos/updater/internal/session"
)

var defaultBackupScope = []string{"postgres", "influx", "config"}

type backupStartRequest struct {
	Scope []string `json:"scope"`
	Label string   `json:"label"`
}

// apiBackupStart claims the backup/restore single-flight gate, creates a
// session, and runs a backup generation as a detached goroutine.
func (s *Server) apiBackupStart(w http.ResponseWriter, r *http.Request) {
	var req backupStartRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	scope := req.Scope
	if len(scope) == 0 {
		scope = defaultBackupScope
	}

	if s.deps.RestoreGate.IsEffectivelyActive(s.deps.Sessions.Lookup) {
		writeError(w, http.StatusConflict, "a backup or restore is already in progress")
		return
	}
	id := newID("bak", s.deps.Clock)
	if !s.deps.RestoreGate.TryAcquire(id) {
		writeError(w, http.StatusConflict, "a backup or restore is already in progress")
		return
	}

	logPath := filepath.Join(s.deps.Cfg.UpdateLogsDir, "backup_"+id+".log")
	sess := session.New(id, session.KindBackup, "backup", "Creating backup generation", logPath, s.deps.Clock)
	s.deps.Sessions.Put(sess)
	s.deps.Metrics.SetActiveJobs("backup", 1)

	go func() {
		defer s.deps.RestoreGate.Release(id)
		defer s.deps.Metrics.SetActiveJobs("backup", 0)

		sess.Emit(s.deps.Clock, "backup", "Creating backup generation", 10)
		err := s.deps.Backup.RunGeneration(context.Background(), scope, func(line string) {
			sess.EmitLog(s.deps.Clock, line)
		})
		if err != nil {
			s.deps.Metrics.IncOutcome("backup", "failed")
			if s.deps.Notify != nil {
				s.deps.Notify.Notify(context.Background(), "backup_failed", err.Error())
			}
			sess.EmitTerminal(s.deps.Clock, "failed", err.Error(), 10)
		} else {
			s.deps.Metrics.IncOutcome("backup", "success")
			if s.deps.Notify != nil {
				s.deps.Notify.Notify(context.Background(), "backup_succeeded", "backup completed successfully")
			}
			sess.EmitTerminal(s.deps.Clock, "completed", "Backup completed successfully", 100)
		}
		s.recordJob(id, "backup", sess)
		sess.CloseQueue()
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"backup_id": id, "state": "backup"})
}

// apiBackupStatus returns the current snapshot of a backup/restore
// session, or an idle placeholder if the id is unknown.
func (s *Server) apiBackupStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("backup_id")
	sess := s.deps.Sessions.Get(id)
	if sess == nil {
		writeJSON(w, http.StatusOK, map[string]any{"backup_id": id, "state": "idle"})
		return
	}
	writeJSON(w, http.StatusOK, statusPayload("backup_id", sess.Status()))
}

// apiBackupStream relays a backup or restore session's events over SSE.
func (s *Server) apiBackupStream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("backup_id")
	sess := s.deps.Sessions.Get(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "unknown backup_id")
		return
	}
	s.streamSession(w, r, sess)
}

// apiBackupList returns every backup generation, newest first.
func (s *Server) apiBackupList(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Backup.Store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list backups: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type backupRestoreRequest struct {
	BackupID string   `json:"backup_id"`
	Scope    []string `json:"scope"`
}

// apiBackupRestore claims the shared backup/restore gate and runs a
// restore as a detached goroutine.
func (s *Server) apiBackupRestore(w http.ResponseWriter, r *http.Request) {
	var req backupRestoreRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.BackupID == "" {
		writeError(w, http.StatusBadRequest, "backup_id is required")
		return
	}
	scope := req.Scope
	if len(scope) == 0 {
		scope = defaultBackupScope
	}

	if s.deps.RestoreGate.IsEffectivelyActive(s.deps.Sessions.Lookup) {
		writeError(w, http.StatusConflict, "a backup or restore is already in progress")
		return
	}
	id := newID("rst", s.deps.Clock)
	if !s.deps.RestoreGate.TryAcquire(id) {
		writeError(w, http.StatusConflict, "a backup or restore is already in progress")
		return
	}

	logPath := filepath.Join(s.deps.Cfg.UpdateLogsDir, "restore_"+id+".log")
	sess := session.New(id, session.KindRestore, "restore", "Restoring from "+req.BackupID, logPath, s.deps.Clock)
	s.deps.Sessions.Put(sess)
	s.deps.Metrics.SetActiveJobs("restore", 1)

	go func() {
		defer s.deps.RestoreGate.Release(id)
		defer s.deps.Metrics.SetActiveJobs("restore", 0)

		sess.Emit(s.deps.Clock, "restore", "Restoring from "+req.BackupID, 10)
		err := s.deps.Backup.Restore(context.Background(), req.BackupID, scope,
			func(line string) { sess.EmitLog(s.deps.Clock, line) },
			func(ctx context.Context, names []string, deadline time.Duration) bool {
				if s.deps.Update == nil || s.deps.Update.Health == nil {
					return true
				}
				return s.deps.Update.Health.WaitHealthy(ctx, s.deps.Clock, names, deadline, nil, func(msg string) {
					sess.EmitLog(s.deps.Clock, msg)
				})
			})
		if err != nil {
			s.deps.Metrics.IncOutcome("restore", "failed")
			if s.deps.Notify != nil {
				s.deps.Notify.Notify(context.Background(), "restore_failed", err.Error())
			}
			sess.EmitTerminal(s.deps.Clock, "failed", err.Error(), 10)
		} else {
			s.deps.Metrics.IncOutcome("restore", "success")
			if s.deps.Notify != nil {
				s.deps.Notify.Notify(context.Background(), "restore_succeeded", "restore completed successfully")
			}
			sess.EmitTerminal(s.deps.Clock, "completed", "Restore completed successfully", 100)
		}
		s.recordJob(id, "restore", sess)
		sess.CloseQueue()
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"restore_id": id, "state": "restore"})
}

// apiBackupCancel returns 404 for an unknown backup_id, unlike
// apiUpdateCancel — the asymmetry is deliberate, not an oversight.
func (s *Server) apiBackupCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BackupID string `json:"backup_id"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	sess := s.deps.Sessions.Get(req.BackupID)
	if sess == nil {
		writeError(w, http.StatusNotFound, "unknown backup_id")
		return
	}
	sess.RequestCancel()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
