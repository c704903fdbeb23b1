package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/basket/taskrelay/internal/persistence"
)

// taskView adds the human-readable description to the stored task.
type taskView struct {
	*persistence.Task
	Description string `json:"description"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.cfg.Store.ListActiveTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "task creation not configured")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	taskID, err := s.cfg.Bridge.CreateFromPayload(r.Context(), body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
	case errors.Is(err, persistence.ErrDuplicateID):
		writeJSON(w, http.StatusConflict, map[string]string{"task_id": taskID, "error": err.Error()})
	case errors.Is(err, persistence.ErrMalformedInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, persistence.ErrStoreBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView{Task: task, Description: task.Describe()})
}

type taskPatchRequest struct {
	Summary      *string               `json:"summary"`
	Details      *string               `json:"details"`
	Steps        []string              `json:"steps"`
	Conversation []persistence.Message `json:"conversation"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req taskPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ok, err := s.cfg.Store.UpdateTask(r.Context(), r.PathValue("id"), persistence.TaskPatch{
		Summary:      req.Summary,
		Details:      req.Details,
		Steps:        req.Steps,
		Conversation: req.Conversation,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	ok, err := s.cfg.Store.DeleteTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": ok})
}

// handleTaskAction serves complete, defer and resume. The boolean reports
// whether a row changed; an already-completed task completes as false.
func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		ok  bool
		err error
	)
	switch action := r.PathValue("action"); action {
	case "complete":
		ok, err = s.cfg.Store.CompleteTask(r.Context(), id)
	case "defer":
		ok, err = s.cfg.Store.DeferTask(r.Context(), id)
	case "resume":
		ok, err = s.cfg.Store.ResumeTask(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "changed": ok})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, persistence.ErrMalformedInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, persistence.ErrStoreBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
