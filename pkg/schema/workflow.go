package schema

import "time"

// NodeType is the type tag of a node. The set is open: any tag with a
// registered executor is runnable.
type NodeType string

// Built-in trigger types.
const (
	NodeTypeManualTrigger   NodeType = "manual_trigger"
	NodeTypeWebhookTrigger  NodeType = "webhook_trigger"
	NodeTypeScheduleTrigger NodeType = "schedule_trigger"
)

// Built-in action types.
const (
	NodeTypeHTTPRequest NodeType = "http_request"
	NodeTypeChatWebhook NodeType = "chat_webhook"
	NodeTypeTransform   NodeType = "transform"
	NodeTypeExpression  NodeType = "expression"
	NodeTypeGuard       NodeType = "guard"
)

// IsTrigger reports whether the tag names one of the built-in trigger types.
func (t NodeType) IsTrigger() bool {
	switch t {
	case NodeTypeManualTrigger, NodeTypeWebhookTrigger, NodeTypeScheduleTrigger:
		return true
	}
	return false
}

// Workflow is a user-owned graph of nodes and directed connections.
type Workflow struct {
	ID          string       `json:"id" yaml:"id"`
	OwnerID     string       `json:"owner_id" yaml:"owner_id"`
	Name        string       `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes       []Node       `json:"nodes" yaml:"nodes"`
	Connections []Connection `json:"connections,omitempty" yaml:"connections,omitempty"`
	CreatedAt   time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"-"`
}

// Node is a single trigger or action in a workflow.
// Config is opaque to the engine and validated by the node's executor.
type Node struct {
	ID       string         `json:"id" yaml:"id"`
	Type     NodeType       `json:"type" yaml:"type"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Position *Position      `json:"position,omitempty" yaml:"position,omitempty"`
}

// Position is editor-only layout data.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Connection is a directed edge From -> To between two nodes of the same workflow.
type Connection struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Validate checks the structural invariants enforced when a workflow is saved.
// The single-manual-trigger rule belongs to the editor; the engine does not
// re-check it when running.
func (w *Workflow) Validate() error {
	if w.OwnerID == "" {
		return NewError(ErrCodeValidation, "workflow owner_id is required")
	}

	seen := make(map[string]bool, len(w.Nodes))
	manualTriggers := 0
	for i, n := range w.Nodes {
		if n.ID == "" {
			return NewErrorf(ErrCodeValidation, "node at index %d has empty id", i)
		}
		if seen[n.ID] {
			return NewErrorf(ErrCodeValidation, "duplicate node id: %s", n.ID)
		}
		if n.Type == "" {
			return NewErrorf(ErrCodeValidation, "node %s has no type", n.ID)
		}
		seen[n.ID] = true
		if n.Type == NodeTypeManualTrigger {
			manualTriggers++
		}
	}
	if manualTriggers > 1 {
		return NewErrorf(ErrCodeValidation, "workflow has %d manual triggers; at most one is allowed", manualTriggers)
	}

	edges := make(map[Connection]bool, len(w.Connections))
	for _, c := range w.Connections {
		if edges[c] {
			return NewErrorf(ErrCodeValidation, "duplicate connection %s -> %s", c.From, c.To)
		}
		edges[c] = true
		if c.From == c.To {
			return NewErrorf(ErrCodeValidation, "connection %s -> %s connects a node to itself", c.From, c.To)
		}
		if !seen[c.From] {
			return NewErrorf(ErrCodeValidation, "connection references unknown node: %s", c.From)
		}
		if !seen[c.To] {
			return NewErrorf(ErrCodeValidation, "connection references unknown node: %s", c.To)
		}
	}
	return nil
}
