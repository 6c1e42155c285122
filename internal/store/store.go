// Package store provides SQLite-backed persistence for Airlock.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/airlock/internal/connectors"
	"github.com/fentz26/airlock/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the Airlock SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		instruction TEXT NOT NULL,
		workspace TEXT NOT NULL,
		intent TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		task_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		success INTEGER NOT NULL,
		transaction_id TEXT,
		body TEXT NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		command_type TEXT NOT NULL,
		level TEXT NOT NULL,
		payload TEXT,
		requester_id TEXT,
		status TEXT NOT NULL,
		reason TEXT,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		resolved_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		description TEXT,
		state TEXT NOT NULL,
		undone INTEGER NOT NULL DEFAULT 0,
		operations TEXT NOT NULL,
		snapshots TEXT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME
	);

	CREATE TABLE IF NOT EXISTS file_versions (
		id TEXT PRIMARY KEY,
		file_path TEXT NOT NULL,
		version_number INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		size INTEGER NOT NULL,
		version_path TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		command TEXT NOT NULL,
		args TEXT,
		exit_code INTEGER,
		stdout TEXT,
		stderr TEXT,
		duration_ms INTEGER,
		started_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
	CREATE INDEX IF NOT EXISTS idx_approvals_task_id ON approvals(task_id);
	CREATE INDEX IF NOT EXISTS idx_file_versions_path ON file_versions(file_path);
	CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id);
	CREATE INDEX IF NOT EXISTS idx_pdr_task_id ON pdr(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Plan Operations ---

// SavePlan stores a plan. Plans are immutable once stored.
func (s *Store) SavePlan(plan *models.TaskPlan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO plans (id, instruction, workspace, intent, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.Instruction, plan.WorkspacePath, string(plan.Intent), string(body), plan.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by ID.
func (s *Store) GetPlan(id string) (*models.TaskPlan, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM plans WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	var plan models.TaskPlan
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &plan, nil
}

// ListPlans returns the most recent plans first.
func (s *Store) ListPlans(limit int) ([]models.TaskPlan, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT body FROM plans ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var plans []models.TaskPlan
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		var plan models.TaskPlan
		if err := json.Unmarshal([]byte(body), &plan); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// --- Execution Operations ---

// SaveResult stores the latest execution result of a task.
func (s *Store) SaveResult(res *models.ExecutionResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO executions (task_id, state, success, transaction_id, body, finished_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET state = excluded.state, success = excluded.success,
			transaction_id = excluded.transaction_id, body = excluded.body, finished_at = excluded.finished_at`,
		res.TaskID, string(res.State), res.Success, res.TransactionID, string(body), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}
	return nil
}

// GetResult returns the stored result of a task, or nil.
func (s *Store) GetResult(taskID string) (*models.ExecutionResult, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM executions WHERE task_id = ?`, taskID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	var res models.ExecutionResult
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &res, nil
}

// --- Approval Operations ---

// SaveApproval inserts or updates an approval request.
func (s *Store) SaveApproval(req *models.ApprovalRequest) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	var resolved sql.NullTime
	if req.ResolvedAt != nil {
		resolved = sql.NullTime{Time: req.ResolvedAt.UTC(), Valid: true}
	}
	_, err = s.db.Exec(
		`INSERT INTO approvals (id, task_id, step_index, command_type, level, payload, requester_id, status, reason, created_at, expires_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, reason = excluded.reason, resolved_at = excluded.resolved_at`,
		req.ID, req.TaskID, req.StepIndex, req.CommandType, req.Level.String(), string(payload), req.RequesterID,
		string(req.Status), req.Reason, req.Timestamp.UTC(), req.ExpiresAt.UTC(), resolved,
	)
	if err != nil {
		return fmt.Errorf("upsert approval: %w", err)
	}
	return nil
}

const approvalColumns = `id, task_id, step_index, command_type, level, payload, requester_id, status, reason, created_at, expires_at, resolved_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(row scanner) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	var level, status string
	var payload, requester, reason sql.NullString
	var resolved sql.NullTime
	if err := row.Scan(&req.ID, &req.TaskID, &req.StepIndex, &req.CommandType, &level, &payload,
		&requester, &status, &reason, &req.Timestamp, &req.ExpiresAt, &resolved); err != nil {
		return nil, err
	}
	lvl, err := models.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	req.Level = lvl
	req.Status = models.ApprovalStatus(status)
	req.RequesterID = requester.String
	req.Reason = reason.String
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &req.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if resolved.Valid {
		t := resolved.Time
		req.ResolvedAt = &t
	}
	return &req, nil
}

// GetApproval retrieves an approval request by ID.
func (s *Store) GetApproval(id string) (*models.ApprovalRequest, error) {
	req, err := scanApproval(s.db.QueryRow(`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return req, nil
}

// ListApprovals returns approvals, newest first, optionally filtered by
// status and task.
func (s *Store) ListApprovals(status models.ApprovalStatus, taskID string) ([]models.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE 1 = 1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at DESC LIMIT 200`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var out []models.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// ExpireStaleApprovals marks approvals still pending from a previous
// process as expired; nothing is waiting on them any more.
func (s *Store) ExpireStaleApprovals() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE approvals SET status = ?, reason = ?, resolved_at = ? WHERE status = ?`,
		string(models.ApprovalExpired), "daemon restarted", time.Now().UTC(), string(models.ApprovalPending),
	)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return res.RowsAffected()
}

// --- Transaction Operations ---

// SaveTransaction inserts or updates a ledger transaction.
func (s *Store) SaveTransaction(tx *models.Transaction) error {
	ops, err := json.Marshal(tx.Operations)
	if err != nil {
		return fmt.Errorf("encode operations: %w", err)
	}
	snaps, err := json.Marshal(tx.Snapshots)
	if err != nil {
		return fmt.Errorf("encode snapshots: %w", err)
	}
	var end sql.NullTime
	if tx.EndTime != nil {
		end = sql.NullTime{Time: tx.EndTime.UTC(), Valid: true}
	}
	_, err = s.db.Exec(
		`INSERT INTO transactions (id, description, state, undone, operations, snapshots, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, undone = excluded.undone,
			operations = excluded.operations, snapshots = excluded.snapshots, end_time = excluded.end_time`,
		tx.ID, tx.Description, string(tx.State), tx.Undone, string(ops), string(snaps), tx.StartTime.UTC(), end,
	)
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	return nil
}

// ListTransactions returns all transactions in start order.
func (s *Store) ListTransactions() ([]models.Transaction, error) {
	rows, err := s.db.Query(
		`SELECT id, description, state, undone, operations, snapshots, start_time, end_time FROM transactions ORDER BY start_time ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		var state, ops, snaps string
		var desc sql.NullString
		var end sql.NullTime
		if err := rows.Scan(&tx.ID, &desc, &state, &tx.Undone, &ops, &snaps, &tx.StartTime, &end); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Description = desc.String
		tx.State = models.TransactionState(state)
		if err := json.Unmarshal([]byte(ops), &tx.Operations); err != nil {
			return nil, fmt.Errorf("decode operations: %w", err)
		}
		if err := json.Unmarshal([]byte(snaps), &tx.Snapshots); err != nil {
			return nil, fmt.Errorf("decode snapshots: %w", err)
		}
		if end.Valid {
			t := end.Time
			tx.EndTime = &t
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// --- File Version Operations ---

// NextVersion returns the next version number for path.
func (s *Store) NextVersion(path string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version_number), 0) + 1 FROM file_versions WHERE file_path = ?`, path).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}
	return n, nil
}

// SaveVersion records a stored file version.
func (s *Store) SaveVersion(v *models.FileVersion) error {
	_, err := s.db.Exec(
		`INSERT INTO file_versions (id, file_path, version_number, content_hash, size, version_path, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.FilePath, v.VersionNumber, v.ContentHash, v.Size, v.VersionPath, v.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// GetVersion retrieves a file version by ID.
func (s *Store) GetVersion(id string) (*models.FileVersion, error) {
	var v models.FileVersion
	err := s.db.QueryRow(
		`SELECT id, file_path, version_number, content_hash, size, version_path, timestamp FROM file_versions WHERE id = ?`, id,
	).Scan(&v.ID, &v.FilePath, &v.VersionNumber, &v.ContentHash, &v.Size, &v.VersionPath, &v.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	return &v, nil
}

// --- Run Operations ---

// RecordRun stores a finished command run.
func (s *Store) RecordRun(taskID string, res *connectors.ExecResult) error {
	if res == nil {
		return errors.New("nil run result")
	}
	argsJSON, _ := json.Marshal(res.Args)
	started := time.Now().UTC().Add(-time.Duration(res.DurationMs) * time.Millisecond)
	_, err := s.db.Exec(
		`INSERT INTO runs (id, task_id, command, args, exit_code, stdout, stderr, duration_ms, started_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), taskID, res.Command, string(argsJSON), res.ExitCode, res.Stdout, res.Stderr, res.DurationMs, started,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRunsForTask returns all runs for a task.
func (s *Store) GetRunsForTask(taskID string) ([]models.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, command, args, exit_code, stdout, stderr, duration_ms, started_at FROM runs WHERE task_id = ? ORDER BY started_at ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var run models.Run
		var argsJSON string
		var exitCode, duration sql.NullInt64
		var stdout, stderr sql.NullString

		if err := rows.Scan(&run.ID, &run.TaskID, &run.Command, &argsJSON, &exitCode, &stdout, &stderr, &duration, &run.StartedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}

		if argsJSON != "" {
			json.Unmarshal([]byte(argsJSON), &run.Args)
		}
		run.ExitCode = int(exitCode.Int64)
		run.DurationMs = duration.Int64
		run.Stdout = stdout.String
		run.Stderr = stderr.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	now := time.Now().UTC()
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.TaskID, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns audit records, newest first. An empty taskID lists all.
func (s *Store) ListPDR(taskID string, limit int) ([]models.PDREntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action, inputs_hash, outcome, task_id, details, timestamp FROM pdr`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var out []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var task, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &task, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.TaskID = task.String
		e.Details = details.String
		out = append(out, e)
	}
	return out, rows.Err()
}
