package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

const cliOwner = "cli"

func runRun(cfg Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	file := fs.String("f", "", "workflow definition file (.yaml, .yml or .json)")
	ctxJSON := fs.String("context", "", "initial context as a JSON object")
	correlation := fs.String("correlation-id", "", "correlation id; reuse one to resume a run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("run: -f is required")
	}

	wf, err := loadWorkflowFile(*file)
	if err != nil {
		return err
	}
	ev := schema.TriggerEvent{WorkflowID: wf.ID, CorrelationID: *correlation}
	if *ctxJSON != "" {
		if err := json.Unmarshal([]byte(*ctxJSON), &ev.InitialContext); err != nil {
			return fmt.Errorf("run: -context: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// The CLI does not serve subscribers; keep the log quiet unless asked.
	if os.Getenv("NODEFLOW_LOG_LEVEL") == "" {
		cfg.LogLevel = "warn"
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := saveWorkflow(ctx, a.store, wf); err != nil {
		return err
	}
	result, runErr := a.invoker.Invoke(ctx, ev)
	if result != nil {
		if err := printJSON(os.Stdout, result); err != nil {
			return err
		}
	}
	return runErr
}

// loadWorkflowFile decodes a workflow definition by file extension. A
// missing id gets a fresh uuid and a missing owner becomes "cli".
func loadWorkflowFile(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	wf := &schema.Workflow{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, wf)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, wf)
	default:
		return nil, fmt.Errorf("unsupported workflow file %q: want .yaml, .yml or .json", path)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode %s: %v", filepath.Base(path), err).WithCause(err)
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.OwnerID == "" {
		wf.OwnerID = cliOwner
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// saveWorkflow creates wf, or replaces the stored graph when the id exists.
func saveWorkflow(ctx context.Context, s store.Store, wf *schema.Workflow) error {
	existing, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		var nfErr *schema.NodeflowError
		if errors.As(err, &nfErr) && nfErr.Code == schema.ErrCodeNotFound {
			return s.CreateWorkflow(ctx, wf)
		}
		return err
	}
	wf.CreatedAt = existing.CreatedAt
	return s.UpdateWorkflow(ctx, wf)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
