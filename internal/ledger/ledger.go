// Package ledger wraps filesystem mutations in transactions. Every in-place
// mutation of an existing file is preceded by a snapshot of its pre-image so
// a transaction can be rolled back, and a committed one undone and redone.
package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	airerrors "github.com/fentz26/airlock/internal/errors"
	"github.com/fentz26/airlock/internal/logging"
	"github.com/fentz26/airlock/internal/models"
)

var (
	ErrNotFound      = errors.New("transaction not found")
	ErrNotActive     = errors.New("transaction is not active")
	ErrExists        = errors.New("target already exists")
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")

	// ErrRollbackFailed is the taxonomy sentinel; partial rollbacks match it.
	ErrRollbackFailed = airerrors.ErrRollbackFailed
)

// Journal persists transaction state. *store.Store implements it.
type Journal interface {
	SaveTransaction(tx *models.Transaction) error
}

// Ledger owns all transactions of the process.
type Ledger struct {
	mu        sync.Mutex
	versions  *VersionStore
	journal   Journal
	logger    *logging.Logger
	txs       map[string]*models.Transaction
	undoStack []string
	redoStack []string
	post      map[string]string // change ID -> post-image version ID, set by Undo
	now       func() time.Time
}

// New creates a ledger. journal may be nil.
func New(versions *VersionStore, journal Journal, logger *logging.Logger) *Ledger {
	return &Ledger{
		versions: versions,
		journal:  journal,
		logger:   logger.WithComponent("ledger"),
		txs:      make(map[string]*models.Transaction),
		post:     make(map[string]string),
		now:      time.Now,
	}
}

// Seed makes previously committed transactions undoable, oldest first.
func (l *Ledger) Seed(txs []models.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sort.Slice(txs, func(i, j int) bool { return txs[i].StartTime.Before(txs[j].StartTime) })
	for i := range txs {
		tx := copyTx(&txs[i])
		l.txs[tx.ID] = tx
		if tx.State == models.TxCommitted && !tx.Undone && len(tx.Operations) > 0 {
			l.undoStack = append(l.undoStack, tx.ID)
		}
	}
}

// Begin opens a transaction and returns its ID.
func (l *Ledger) Begin(description string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := &models.Transaction{
		ID:          uuid.New().String(),
		Description: description,
		State:       models.TxActive,
		StartTime:   l.now().UTC(),
		Operations:  []models.FileOpChange{},
		Snapshots:   []models.FileVersion{},
	}
	l.txs[tx.ID] = tx
	l.save(tx)
	return tx.ID
}

// Commit finalizes an active transaction and returns its operations. A new
// commit clears the redo stack.
func (l *Ledger) Commit(id string) ([]models.FileOpChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.active(id)
	if err != nil {
		return nil, err
	}
	l.finish(tx, models.TxCommitted)
	if len(tx.Operations) > 0 {
		l.undoStack = append(l.undoStack, tx.ID)
		for _, rid := range l.redoStack {
			l.dropPost(rid)
		}
		l.redoStack = nil
	}
	l.logger.Info("transaction committed", "tx_id", id, "operations", len(tx.Operations))
	return append([]models.FileOpChange(nil), tx.Operations...), nil
}

// Rollback reverts every operation of an active transaction, most recent
// first, and returns them in the order they were reverted. If any revert
// fails the transaction becomes failed and the error matches
// ErrRollbackFailed.
func (l *Ledger) Rollback(id string) ([]models.FileOpChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.active(id)
	if err != nil {
		return nil, err
	}

	reverted := make([]models.FileOpChange, 0, len(tx.Operations))
	var errs []error
	for i := len(tx.Operations) - 1; i >= 0; i-- {
		op := tx.Operations[i]
		if _, err := l.revert(op, false); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", op.Operation, op.SourcePath, err))
			continue
		}
		reverted = append(reverted, op)
	}

	if len(errs) > 0 {
		l.finish(tx, models.TxFailed)
		l.logger.Error("transaction rollback failed", "tx_id", id, "errors", len(errs))
		return reverted, airerrors.RollbackFailed(id, errors.Join(errs...))
	}
	l.finish(tx, models.TxRolledBack)
	l.logger.Info("transaction rolled back", "tx_id", id, "operations", len(reverted))
	return reverted, nil
}

// Undo reverts the most recently committed transaction, capturing
// post-images so Redo can reapply it.
func (l *Ledger) Undo() (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.undoStack) == 0 {
		return nil, ErrNothingToUndo
	}
	id := l.undoStack[len(l.undoStack)-1]
	tx := l.txs[id]

	var errs []error
	for i := len(tx.Operations) - 1; i >= 0; i-- {
		op := tx.Operations[i]
		postID, err := l.revert(op, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", op.Operation, op.SourcePath, err))
			continue
		}
		if postID != "" {
			l.post[op.ID] = postID
		}
	}
	l.undoStack = l.undoStack[:len(l.undoStack)-1]

	if len(errs) > 0 {
		tx.State = models.TxFailed
		l.save(tx)
		return copyTx(tx), airerrors.RollbackFailed(id, errors.Join(errs...))
	}
	tx.Undone = true
	l.redoStack = append(l.redoStack, id)
	l.save(tx)
	l.logger.Info("transaction undone", "tx_id", id)
	return copyTx(tx), nil
}

// Redo reapplies the most recently undone transaction.
func (l *Ledger) Redo() (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.redoStack) == 0 {
		return nil, ErrNothingToRedo
	}
	id := l.redoStack[len(l.redoStack)-1]
	l.redoStack = l.redoStack[:len(l.redoStack)-1]
	tx := l.txs[id]

	for _, op := range tx.Operations {
		if err := l.reapply(op); err != nil {
			tx.State = models.TxFailed
			l.save(tx)
			return copyTx(tx), fmt.Errorf("redo %s %s: %w", op.Operation, op.SourcePath, err)
		}
	}
	l.dropPost(id)
	tx.Undone = false
	l.undoStack = append(l.undoStack, id)
	l.save(tx)
	l.logger.Info("transaction redone", "tx_id", id)
	return copyTx(tx), nil
}

// Get returns a copy of a transaction.
func (l *Ledger) Get(id string) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTx(tx), nil
}

// List returns all known transactions, newest first.
func (l *Ledger) List() []models.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Transaction, 0, len(l.txs))
	for _, tx := range l.txs {
		out = append(out, *copyTx(tx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

// CanUndo and CanRedo report stack depth.
func (l *Ledger) CanUndo() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.undoStack)
}

func (l *Ledger) CanRedo() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.redoStack)
}

// --- mutations ---

// Mkdir creates path and any missing parents, recording one create_folder
// per directory actually created.
func (l *Ledger) Mkdir(txID, path string) ([]models.FileOpChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.active(txID)
	if err != nil {
		return nil, err
	}
	return l.mkdirLocked(tx, path)
}

// CreateFile writes a new file. It fails with ErrExists if path exists.
func (l *Ledger) CreateFile(txID, path string, data []byte) ([]models.FileOpChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.active(txID)
	if err != nil {
		return nil, err
	}
	return l.createLocked(tx, path, data)
}

// WriteFile replaces the content of path, snapshotting the previous content.
// A missing file is created.
func (l *Ledger) WriteFile(txID, path string, data []byte) ([]models.FileOpChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.active(txID)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return l.createLocked(tx, path, data)
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	v, err := l.snapshotLocked(tx, path)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, data, info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return []models.FileOpChange{l.record(tx, models.OpModify, path, "", v.ID)}, nil
}

// Move renames src to dst, creating dst's parent if needed. Moves within one
// directory are recorded as rename.
func (l *Ledger) Move(txID, src, dst string) ([]models.FileOpChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.active(txID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(src); err != nil {
		return nil, fmt.Errorf("move source: %w", err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return nil, fmt.Errorf("move %s: %w", dst, ErrExists)
	}

	changes, err := l.mkdirLocked(tx, filepath.Dir(dst))
	if err != nil {
		return changes, err
	}
	if err := os.Rename(src, dst); err != nil {
		return changes, fmt.Errorf("move %s: %w", src, err)
	}
	op := models.OpMove
	if filepath.Dir(src) == filepath.Dir(dst) {
		op = models.OpRename
	}
	return append(changes, l.record(tx, op, src, dst, "")), nil
}

// Copy duplicates the regular file src at dst.
func (l *Ledger) Copy(txID, src, dst string) ([]models.FileOpChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.active(txID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("copy source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("copy %s: not a regular file", src)
	}
	if _, err := os.Lstat(dst); err == nil {
		return nil, fmt.Errorf("copy %s: %w", dst, ErrExists)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, err
	}

	changes, err := l.mkdirLocked(tx, filepath.Dir(dst))
	if err != nil {
		return changes, err
	}
	if err := writeFileAtomic(dst, data, info.Mode().Perm()); err != nil {
		return changes, fmt.Errorf("copy %s: %w", src, err)
	}
	return append(changes, l.record(tx, models.OpCopy, src, dst, "")), nil
}

// Delete removes a file after snapshotting it, or an empty directory.
func (l *Ledger) Delete(txID, path string) ([]models.FileOpChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.active(txID)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}

	versionID := ""
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return nil, fmt.Errorf("delete %s: directory not empty", path)
		}
	} else {
		v, err := l.snapshotLocked(tx, path)
		if err != nil {
			return nil, err
		}
		versionID = v.ID
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("delete %s: %w", path, err)
	}
	return []models.FileOpChange{l.record(tx, models.OpDelete, path, "", versionID)}, nil
}

// --- internals; callers hold l.mu ---

func (l *Ledger) active(id string) (*models.Transaction, error) {
	tx, ok := l.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if tx.State != models.TxActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, tx.State)
	}
	return tx, nil
}

func (l *Ledger) finish(tx *models.Transaction, state models.TransactionState) {
	now := l.now().UTC()
	tx.State = state
	tx.EndTime = &now
	l.save(tx)
}

func (l *Ledger) record(tx *models.Transaction, op models.FileOperation, src, dst, versionID string) models.FileOpChange {
	c := models.FileOpChange{
		ID:         uuid.New().String(),
		Operation:  op,
		SourcePath: src,
		DestPath:   dst,
		VersionID:  versionID,
		Timestamp:  l.now().UTC(),
		Reversible: true,
	}
	tx.Operations = append(tx.Operations, c)
	l.save(tx)
	return c
}

func (l *Ledger) snapshotLocked(tx *models.Transaction, path string) (*models.FileVersion, error) {
	v, err := l.versions.Snapshot(path)
	if err != nil {
		return nil, err
	}
	tx.Snapshots = append(tx.Snapshots, *v)
	return v, nil
}

func (l *Ledger) mkdirLocked(tx *models.Transaction, path string) ([]models.FileOpChange, error) {
	var missing []string
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		info, err := os.Stat(p)
		if err == nil {
			if !info.IsDir() {
				return nil, fmt.Errorf("mkdir %s: not a directory", p)
			}
			break
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
		missing = append(missing, p)
		if filepath.Dir(p) == p {
			break
		}
	}

	var changes []models.FileOpChange
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0o755); err != nil && !os.IsExist(err) {
			return changes, fmt.Errorf("mkdir %s: %w", missing[i], err)
		}
		changes = append(changes, l.record(tx, models.OpCreateFolder, missing[i], "", ""))
	}
	return changes, nil
}

func (l *Ledger) createLocked(tx *models.Transaction, path string, data []byte) ([]models.FileOpChange, error) {
	if _, err := os.Lstat(path); err == nil {
		return nil, fmt.Errorf("create %s: %w", path, ErrExists)
	}
	changes, err := l.mkdirLocked(tx, filepath.Dir(path))
	if err != nil {
		return changes, err
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return changes, fmt.Errorf("create %s: %w", path, err)
	}
	return append(changes, l.record(tx, models.OpCreate, path, "", "")), nil
}

// revert undoes one operation. With capture set it first snapshots whatever
// the operation produced and returns that version's ID.
func (l *Ledger) revert(op models.FileOpChange, capture bool) (string, error) {
	postID := ""
	snapshot := func(path string) error {
		if !capture {
			return nil
		}
		v, err := l.versions.Snapshot(path)
		if err != nil {
			return err
		}
		postID = v.ID
		return nil
	}

	switch op.Operation {
	case models.OpCreate, models.OpCopy:
		path := op.SourcePath
		if op.Operation == models.OpCopy {
			path = op.DestPath
		}
		if _, err := os.Lstat(path); os.IsNotExist(err) {
			return "", nil
		}
		if err := snapshot(path); err != nil {
			return "", err
		}
		return postID, os.Remove(path)

	case models.OpCreateFolder:
		if err := os.Remove(op.SourcePath); err != nil && !os.IsNotExist(err) {
			return "", err
		}
		return "", nil

	case models.OpMove, models.OpRename:
		if _, err := os.Lstat(op.SourcePath); err == nil {
			return "", fmt.Errorf("%s: %w", op.SourcePath, ErrExists)
		}
		return "", os.Rename(op.DestPath, op.SourcePath)

	case models.OpModify:
		if err := snapshot(op.SourcePath); err != nil {
			return "", err
		}
		return postID, l.restore(op.VersionID, op.SourcePath)

	case models.OpDelete:
		if op.VersionID == "" {
			return "", os.Mkdir(op.SourcePath, 0o755)
		}
		return "", l.restore(op.VersionID, op.SourcePath)
	}
	return "", fmt.Errorf("unknown operation %q", op.Operation)
}

func (l *Ledger) reapply(op models.FileOpChange) error {
	switch op.Operation {
	case models.OpCreate, models.OpModify:
		return l.restore(l.post[op.ID], op.SourcePath)
	case models.OpCopy:
		return l.restore(l.post[op.ID], op.DestPath)
	case models.OpCreateFolder:
		if err := os.Mkdir(op.SourcePath, 0o755); err != nil && !os.IsExist(err) {
			return err
		}
		return nil
	case models.OpMove, models.OpRename:
		return os.Rename(op.SourcePath, op.DestPath)
	case models.OpDelete:
		return os.Remove(op.SourcePath)
	}
	return fmt.Errorf("unknown operation %q", op.Operation)
}

func (l *Ledger) restore(versionID, path string) error {
	if versionID == "" {
		return fmt.Errorf("no snapshot for %s", path)
	}
	v, err := l.versions.Lookup(versionID)
	if err != nil {
		return err
	}
	return l.versions.Restore(v, path)
}

func (l *Ledger) dropPost(txID string) {
	tx, ok := l.txs[txID]
	if !ok {
		return
	}
	for _, op := range tx.Operations {
		delete(l.post, op.ID)
	}
}

func (l *Ledger) save(tx *models.Transaction) {
	if l.journal == nil {
		return
	}
	if err := l.journal.SaveTransaction(copyTx(tx)); err != nil {
		l.logger.Warn("journal transaction failed", "tx_id", tx.ID, "error", err)
	}
}

func copyTx(tx *models.Transaction) *models.Transaction {
	cp := *tx
	cp.Operations = append([]models.FileOpChange(nil), tx.Operations...)
	cp.Snapshots = append([]models.FileVersion(nil), tx.Snapshots...)
	if tx.EndTime != nil {
		end := *tx.EndTime
		cp.EndTime = &end
	}
	return &cp
}
