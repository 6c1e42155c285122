package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/airlock/internal/models"
)

// VersionIndex allocates version numbers and remembers versions. Numbers for
// a path increase monotonically and are never reused.
type VersionIndex interface {
	NextVersion(path string) (int, error)
	SaveVersion(v *models.FileVersion) error
	GetVersion(id string) (*models.FileVersion, error)
}

// VersionStore keeps file pre-images as content blobs under dir.
type VersionStore struct {
	dir   string
	index VersionIndex
	mu    sync.Mutex
	now   func() time.Time
}

// NewVersionStore stores blobs under dir. A nil index keeps the index in
// memory.
func NewVersionStore(dir string, index VersionIndex) *VersionStore {
	if index == nil {
		index = NewMemoryIndex()
	}
	return &VersionStore{dir: dir, index: index, now: time.Now}
}

// Snapshot copies the current content of path into a new FileVersion.
func (vs *VersionStore) Snapshot(path string) (*models.FileVersion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s for snapshot: %w", path, err)
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	num, err := vs.index.NextVersion(path)
	if err != nil {
		return nil, fmt.Errorf("allocate version for %s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	id := uuid.New().String()
	blob := filepath.Join(vs.dir, hash[:2], id)
	if err := writeFileAtomic(blob, data, 0o600); err != nil {
		return nil, fmt.Errorf("write snapshot blob: %w", err)
	}

	v := &models.FileVersion{
		ID:            id,
		FilePath:      path,
		VersionNumber: num,
		Timestamp:     vs.now().UTC(),
		ContentHash:   hash,
		Size:          int64(len(data)),
		VersionPath:   blob,
	}
	if err := vs.index.SaveVersion(v); err != nil {
		os.Remove(blob)
		return nil, fmt.Errorf("index snapshot: %w", err)
	}
	return v, nil
}

// Lookup returns a version by ID.
func (vs *VersionStore) Lookup(id string) (*models.FileVersion, error) {
	v, err := vs.index.GetVersion(id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("version %s: %w", id, ErrNotFound)
	}
	return v, nil
}

// Restore writes the content of v to path after verifying its hash.
func (vs *VersionStore) Restore(v *models.FileVersion, path string) error {
	data, err := vs.Read(v)
	if err != nil {
		return err
	}
	perm := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	if err := writeFileAtomic(path, data, perm); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	return nil
}

// Read returns the verified content of v.
func (vs *VersionStore) Read(v *models.FileVersion) ([]byte, error) {
	data, err := os.ReadFile(v.VersionPath)
	if err != nil {
		return nil, fmt.Errorf("read version %s: %w", v.ID, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != v.ContentHash {
		return nil, fmt.Errorf("version %s: content hash mismatch", v.ID)
	}
	return data, nil
}

// MemoryIndex is a VersionIndex for tests and ephemeral ledgers.
type MemoryIndex struct {
	mu       sync.Mutex
	latest   map[string]int
	versions map[string]*models.FileVersion
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{latest: make(map[string]int), versions: make(map[string]*models.FileVersion)}
}

func (m *MemoryIndex) NextVersion(path string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[path]++
	return m.latest[path], nil
}

func (m *MemoryIndex) SaveVersion(v *models.FileVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.versions[v.ID] = &cp
	return nil
}

func (m *MemoryIndex) GetVersion(id string) (*models.FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
