// Package nodes holds the node executor contract, the registry that maps a
// node type tag to its executor, and the built-in executors.
package nodes

import (
	"context"
	"encoding/json"

	"github.com/rendis/nodeflow/internal/runctx"
	"github.com/rendis/nodeflow/internal/steps"
	"github.com/rendis/nodeflow/pkg/schema"
)

// StatusPublisher reports a node's live status. Implementations must not
// block and must not fail.
type StatusPublisher interface {
	Publish(ctx context.Context, nodeID string, status schema.NodeStatus)
}

// Request is everything an executor receives for one node of one run.
type Request struct {
	Config   map[string]any
	NodeID   string
	NodeType schema.NodeType
	// Context is the accumulated context of every node run before this one.
	Context runctx.Context
	OwnerID string
	Steps   steps.Runner
	Status  StatusPublisher
}

// Executor runs one node type. Execute returns the prior context plus the
// node's own writes; it never touches req.Context in place.
type Executor interface {
	Type() schema.NodeType
	Schema() Schema
	Execute(ctx context.Context, req Request) (runctx.Context, error)
}

// Schema describes an executor's configuration contract.
type Schema struct {
	Description string          `json:"description,omitempty"`
	Config      json.RawMessage `json:"config_schema,omitempty"`
}

// Info is a registry listing entry.
type Info struct {
	Type        schema.NodeType `json:"type"`
	Description string          `json:"description,omitempty"`
	Trigger     bool            `json:"trigger"`
}

type discardStatus struct{}

func (discardStatus) Publish(context.Context, string, schema.NodeStatus) {}

// DiscardStatus drops every status update.
var DiscardStatus StatusPublisher = discardStatus{}

// tracked publishes loading, runs fn, then publishes success or error.
func tracked(ctx context.Context, req Request, fn func() (runctx.Context, error)) (runctx.Context, error) {
	status := req.Status
	if status == nil {
		status = DiscardStatus
	}
	status.Publish(ctx, req.NodeID, schema.NodeStatusLoading)
	out, err := fn()
	if err != nil {
		status.Publish(ctx, req.NodeID, schema.NodeStatusError)
		return req.Context, err
	}
	status.Publish(ctx, req.NodeID, schema.NodeStatusSuccess)
	return out, nil
}
