package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rendis/nodeflow/internal/runctx"
	"github.com/rendis/nodeflow/pkg/schema"
)

const defaultChatUsername = "nodeflow"

const chatWebhookConfigSchema = `{
  "type": "object",
  "properties": {
    "variableName": {"type": "string", "minLength": 1},
    "webhookUrl": {"type": "string", "minLength": 1},
    "content": {"type": "string", "minLength": 1},
    "username": {"type": "string"}
  },
  "required": ["webhookUrl", "content"]
}`

// ChatWebhookExecutor posts a message to a Discord or Slack style incoming
// webhook. The post is a durable step, so a re-invoked run never sends twice.
type ChatWebhookExecutor struct {
	client *http.Client
}

// NewChatWebhookExecutor uses client, or a default client when nil.
func NewChatWebhookExecutor(client *http.Client) *ChatWebhookExecutor {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &ChatWebhookExecutor{client: client}
}

func (e *ChatWebhookExecutor) Type() schema.NodeType { return schema.NodeTypeChatWebhook }

func (e *ChatWebhookExecutor) Schema() Schema {
	return Schema{
		Description: "Post a message to a chat incoming webhook.",
		Config:      json.RawMessage(chatWebhookConfigSchema),
	}
}

func (e *ChatWebhookExecutor) Execute(ctx context.Context, req Request) (runctx.Context, error) {
	return tracked(ctx, req, func() (runctx.Context, error) {
		webhookURL, err := renderParam(req, "webhookUrl")
		if err != nil {
			return req.Context, err
		}
		if err := checkURL(webhookURL); err != nil {
			return req.Context, err
		}
		content, err := renderParam(req, "content")
		if err != nil {
			return req.Context, err
		}
		username := stringParam(req.Config, "username", defaultChatUsername)

		raw, err := req.Steps.Run(ctx, stepName(req.NodeID, "post"), func(ctx context.Context) (any, error) {
			return e.post(ctx, webhookURL, content, username)
		})
		if err != nil {
			return req.Context, err
		}
		result, err := decodeResult(raw)
		if err != nil {
			return req.Context, schema.NewError(schema.ErrCodeExecution, "decode chat_webhook result").WithCause(err)
		}
		return writeVar(req, result)
	})
}

func (e *ChatWebhookExecutor) post(ctx context.Context, webhookURL, content, username string) (map[string]any, error) {
	payload, err := json.Marshal(map[string]string{
		"content":  content,
		"text":     content,
		"username": username,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "chat_webhook: build request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternal, "chat_webhook: post: %v", err).WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExternal, "chat_webhook: webhook returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}
	return map[string]any{"status": resp.StatusCode, "content": content}, nil
}
