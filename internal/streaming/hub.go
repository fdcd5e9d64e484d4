// Package streaming is the live node status channel.
//
// Executors publish {nodeId, status} updates per node-type category. Observers
// subscribe to one category with a short-lived token. Delivery is best effort:
// a slow or absent subscriber never slows a run down.
package streaming

import (
	"context"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// StatusEvent is one live status update for a node.
type StatusEvent struct {
	Category  string            `json:"category"`
	RunID     string            `json:"runId,omitempty"`
	NodeID    string            `json:"nodeId"`
	Status    schema.NodeStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// Hub fans status events out to subscribers of a category.
type Hub interface {
	Publish(ctx context.Context, event StatusEvent) error
	// Subscribe returns a channel of events for category and a cancel func
	// that ends the subscription and closes the channel.
	Subscribe(ctx context.Context, category string) (<-chan StatusEvent, func(), error)
}
