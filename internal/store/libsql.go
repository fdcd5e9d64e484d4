package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/nodeflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		wf.ID, wf.OwnerID, nullStr(wf.Name), wf.CreatedAt, wf.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
		}
		return fmt.Errorf("insert workflow: %w", err)
	}
	if err := insertGraph(ctx, tx, wf); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var name sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, created_at, updated_at FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.OwnerID, &name, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Name = name.String

	if wf.Nodes, err = s.loadNodes(ctx, id); err != nil {
		return nil, err
	}
	if wf.Connections, err = s.loadConnections(ctx, id); err != nil {
		return nil, err
	}
	return wf, nil
}

// UpdateWorkflow replaces the workflow's name, nodes and connections.
func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	wf.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflows SET name = ?, updated_at = ? WHERE id = ?`,
		nullStr(wf.Name), wf.UpdatedAt, wf.ID,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "workflow", wf.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE workflow_id = ?`, wf.ID); err != nil {
		return fmt.Errorf("clear connections: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE workflow_id = ?`, wf.ID); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}
	if err := insertGraph(ctx, tx, wf); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	query := `SELECT id FROM workflows`
	var args []any
	if filter.OwnerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	ids, err := s.queryStrings(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	// Single connection: rows must be drained before loading each graph.
	workflows := make([]*schema.Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := s.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// DeleteWorkflow removes the workflow and everything that hangs off it.
func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cascade := []string{
		`DELETE FROM step_records WHERE run_id IN (SELECT id FROM runs WHERE workflow_id = ?)`,
		`DELETE FROM run_events WHERE run_id IN (SELECT id FROM runs WHERE workflow_id = ?)`,
		`DELETE FROM runs WHERE workflow_id = ?`,
		`DELETE FROM connections WHERE workflow_id = ?`,
		`DELETE FROM nodes WHERE workflow_id = ?`,
	}
	for _, stmt := range cascade {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete workflow %s: %w", id, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "workflow", id); err != nil {
		return err
	}
	return tx.Commit()
}

func insertGraph(ctx context.Context, tx *sql.Tx, wf *schema.Workflow) error {
	for i, n := range wf.Nodes {
		cfg, err := marshalMapOrDefault(n.Config)
		if err != nil {
			return fmt.Errorf("marshal config of node %s: %w", n.ID, err)
		}
		var pos any
		if n.Position != nil {
			b, err := json.Marshal(n.Position)
			if err != nil {
				return fmt.Errorf("marshal position of node %s: %w", n.ID, err)
			}
			pos = string(b)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (workflow_id, id, type, config, position, ordinal) VALUES (?, ?, ?, ?, ?, ?)`,
			wf.ID, n.ID, string(n.Type), string(cfg), pos, i,
		); err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
	}
	for i, c := range wf.Connections {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO connections (workflow_id, from_node, to_node, ordinal) VALUES (?, ?, ?, ?)`,
			wf.ID, c.From, c.To, i,
		); err != nil {
			return fmt.Errorf("insert connection %s -> %s: %w", c.From, c.To, err)
		}
	}
	return nil
}

func (s *LibSQLStore) loadNodes(ctx context.Context, workflowID string) ([]schema.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, config, position FROM nodes WHERE workflow_id = ? ORDER BY ordinal ASC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []schema.Node
	for rows.Next() {
		var (
			n        schema.Node
			nodeType string
			cfg      string
			pos      sql.NullString
		)
		if err := rows.Scan(&n.ID, &nodeType, &cfg, &pos); err != nil {
			return nil, err
		}
		n.Type = schema.NodeType(nodeType)
		if cfg != "" {
			if err := json.Unmarshal([]byte(cfg), &n.Config); err != nil {
				return nil, fmt.Errorf("unmarshal config of node %s: %w", n.ID, err)
			}
		}
		if pos.Valid && pos.String != "" {
			n.Position = &schema.Position{}
			_ = json.Unmarshal([]byte(pos.String), n.Position)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *LibSQLStore) loadConnections(ctx context.Context, workflowID string) ([]schema.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_node, to_node FROM connections WHERE workflow_id = ? ORDER BY ordinal ASC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []schema.Connection
	for rows.Next() {
		var c schema.Connection
		if err := rows.Scan(&c.From, &c.To); err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// --- Runs ---

const runColumns = `id, workflow_id, correlation_id, status, started_at, completed_at, output, error, error_stack, attempt, lease_expires_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	attempt := run.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.CorrelationID, string(run.Status), timeOrNow(run.StartedAt),
		nullTime(run.CompletedAt), nullRaw(run.Output), nullStr(run.Error), nullStr(run.ErrorStack),
		attempt, nullMillis(run.LeaseExpiresAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run for workflow %q with correlation id %q already exists", run.WorkflowID, run.CorrelationID)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

// FindRunByCorrelation returns nil, nil when no run matches.
func (s *LibSQLStore) FindRunByCorrelation(ctx context.Context, workflowID, correlationID string) (*schema.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE workflow_id = ? AND correlation_id = ?`, workflowID, correlationID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.ClearFailure {
		sets = append(sets, "error = NULL", "error_stack = NULL", "completed_at = NULL", "output = NULL")
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.ErrorStack != nil {
		sets = append(sets, "error_stack = ?")
		args = append(args, *update.ErrorStack)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// ClaimRun moves a FAILED run, or a RUNNING run whose lease expired before
// now, to RUNNING under a new lease and bumps its attempt. It reports false
// when the run is SUCCESS, missing, or still held by another invocation.
func (s *LibSQLStore) ClaimRun(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'RUNNING', attempt = attempt + 1, lease_expires_at = ?,
			error = NULL, error_stack = NULL, completed_at = NULL, output = NULL
		WHERE id = ? AND (status = 'FAILED'
			OR (status = 'RUNNING' AND (lease_expires_at IS NULL OR lease_expires_at < ?)))`,
		leaseUntil.UnixMilli(), id, now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RenewRunLease extends the lease attempt holds on a run. A zero leaseUntil
// releases it. CONFLICT means the run is missing or a later attempt claimed it.
func (s *LibSQLStore) RenewRunLease(ctx context.Context, id string, attempt int, leaseUntil time.Time) error {
	var lease any
	if !leaseUntil.IsZero() {
		lease = leaseUntil.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET lease_expires_at = ? WHERE id = ? AND attempt = ?`, lease, id, attempt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q is not held by attempt %d", id, attempt)
	}
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*schema.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*schema.Run, error) {
	run := &schema.Run{}
	var (
		status                   string
		completedAt              sql.NullTime
		output, errMsg, errStack sql.NullString
		lease                    sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.WorkflowID, &run.CorrelationID, &status, &run.StartedAt,
		&completedAt, &output, &errMsg, &errStack, &run.Attempt, &lease); err != nil {
		return nil, err
	}
	if lease.Valid {
		t := time.UnixMilli(lease.Int64).UTC()
		run.LeaseExpiresAt = &t
	}
	run.Status = schema.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.Output = rawOrNil(output)
	run.Error = errMsg.String
	run.ErrorStack = errStack.String
	return run, nil
}

// --- Step journal ---

// GetStepRecord returns nil, nil when the step has never been recorded.
func (s *LibSQLStore) GetStepRecord(ctx context.Context, runID, name string) (*StepRecord, error) {
	rec := &StepRecord{}
	var status string
	var result, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, name, status, result, error, attempts, created_at, updated_at
		 FROM step_records WHERE run_id = ? AND name = ?`, runID, name,
	).Scan(&rec.RunID, &rec.Name, &status, &result, &errMsg, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = StepStatus(status)
	rec.Result = rawOrNil(result)
	rec.Error = errMsg.String
	return rec, nil
}

func (s *LibSQLStore) SaveStepRecord(ctx context.Context, rec *StepRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_records (run_id, name, status, result, error, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, name) DO UPDATE SET
		   status=excluded.status, result=excluded.result, error=excluded.error,
		   attempts=excluded.attempts, updated_at=excluded.updated_at`,
		rec.RunID, rec.Name, string(rec.Status), nullRaw(rec.Result), nullStr(rec.Error),
		rec.Attempts, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, name, status, result, error, attempts, created_at, updated_at
		 FROM step_records WHERE run_id = ? ORDER BY created_at ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*StepRecord
	for rows.Next() {
		rec := &StepRecord{}
		var status string
		var result, errMsg sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Name, &status, &result, &errMsg, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Status = StepStatus(status)
		rec.Result = rawOrNil(result)
		rec.Error = errMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetRunEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetRunEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func (s *LibSQLStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func storeNotFound(resource, id string) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
