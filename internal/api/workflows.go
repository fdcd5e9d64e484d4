package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf schema.Workflow
	if err := decodeBody(r, &wf); err != nil {
		writeFailure(w, err)
		return
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if err := s.validateWorkflow(&wf); err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.deps.Store.CreateWorkflow(r.Context(), &wf); err != nil {
		writeFailure(w, err)
		return
	}
	s.reloadSchedules(r.Context())
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.deps.Store.ListWorkflows(r.Context(), store.WorkflowFilter{
		OwnerID: r.URL.Query().Get("owner"),
		Limit:   queryInt(r, "limit", 0),
		Offset:  queryInt(r, "offset", 0),
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if workflows == nil {
		workflows = []*schema.Workflow{}
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleUpdateWorkflow replaces the graph of an existing workflow. The owner
// and creation time cannot change.
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	existing, err := s.deps.Store.GetWorkflow(ctx, r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	var wf schema.Workflow
	if err := decodeBody(r, &wf); err != nil {
		writeFailure(w, err)
		return
	}
	wf.ID = existing.ID
	wf.OwnerID = existing.OwnerID
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = time.Now().UTC()
	if err := s.validateWorkflow(&wf); err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.deps.Store.UpdateWorkflow(ctx, &wf); err != nil {
		writeFailure(w, err)
		return
	}
	s.reloadSchedules(ctx)
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteWorkflow(r.Context(), r.PathValue("id")); err != nil {
		writeFailure(w, err)
		return
	}
	s.reloadSchedules(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleExecuteWorkflow is the editor's manual execute: it enqueues a trigger
// event under a fresh correlation id and returns at once.
func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wf, err := s.deps.Store.GetWorkflow(ctx, r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	var body struct {
		Context map[string]any `json:"context"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, err)
		return
	}

	id, err := s.deps.Queue.Enqueue(ctx, schema.TriggerEvent{
		WorkflowID:     wf.ID,
		CorrelationID:  uuid.New().String(),
		InitialContext: body.Context,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"correlationId": id})
}

// validateWorkflow checks the graph invariants and every node config against
// its executor's schema.
func (s *Server) validateWorkflow(wf *schema.Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	for _, n := range wf.Nodes {
		if err := s.deps.Registry.Validate(n.Type, n.Config); err != nil {
			var nfErr *schema.NodeflowError
			if errors.As(err, &nfErr) {
				return nfErr.WithNode(n.ID, n.Type)
			}
			return err
		}
	}
	return nil
}

func (s *Server) reloadSchedules(ctx context.Context) {
	if s.deps.Scheduler == nil {
		return
	}
	if _, err := s.deps.Scheduler.Reload(ctx); err != nil {
		s.logger.WarnContext(ctx, "reload schedules", slog.String("error", err.Error()))
	}
}
