package api

import (
	"net/http"
	"strconv"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

const defaultRunLimit = 50

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      queryInt(r, "limit", defaultRunLimit),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.RunStatus(v)
		switch status {
		case schema.RunStatusNotStarted, schema.RunStatusRunning, schema.RunStatusSuccess, schema.RunStatusFailed:
		default:
			writeError(w, http.StatusBadRequest, "unknown run status: "+v)
			return
		}
		filter.Status = &status
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if runs == nil {
		runs = []*schema.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunEvents returns the run's event log after the optional since sequence.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")
	if _, err := s.deps.Store.GetRun(ctx, runID); err != nil {
		writeFailure(w, err)
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	events, err := s.deps.Store.GetRunEvents(ctx, runID, since)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleRunNodes returns the per-node state folded from the run's event log.
func (s *Server) handleRunNodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")
	if _, err := s.deps.Store.GetRun(ctx, runID); err != nil {
		writeFailure(w, err)
		return
	}
	states, err := store.NewRunLog(s.deps.Store).Replay(ctx, runID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if states == nil {
		states = []*store.NodeState{}
	}
	writeJSON(w, http.StatusOK, states)
}
