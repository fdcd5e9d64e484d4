package api

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/pkg/schema"
)

// IdempotencyHeader carries the caller's correlation id for a webhook.
// Redelivering a request with the same key lands on the same run.
const IdempotencyHeader = "Idempotency-Key"

// handleWebhook starts a run from an inbound HTTP call. The decoded JSON body
// and the query parameters become the run's initial context under "webhook".
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := r.PathValue("workflowId")
	if _, err := s.deps.Store.GetWorkflow(ctx, workflowID); err != nil {
		writeFailure(w, err)
		return
	}

	var body any
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, err)
		return
	}

	correlationID := r.Header.Get(IdempotencyHeader)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	id, err := s.deps.Queue.Enqueue(ctx, schema.TriggerEvent{
		WorkflowID:    workflowID,
		CorrelationID: correlationID,
		InitialContext: map[string]any{
			nodes.WebhookKey: map[string]any{
				"body":  body,
				"query": queryMap(r.URL.Query()),
			},
		},
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"correlationId": id})
}

// queryMap flattens single-valued parameters to strings and keeps repeated
// ones as lists.
func queryMap(q url.Values) map[string]any {
	out := make(map[string]any, len(q))
	for k, vs := range q {
		if len(vs) == 1 {
			out[k] = vs[0]
			continue
		}
		list := make([]any, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		out[k] = list
	}
	return out
}
