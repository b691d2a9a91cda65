package state

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrLocked means another process holds the run directory.
	ErrLocked = errors.New("run directory is locked by another process")
	// ErrNotFound means the run directory has no saved state.
	ErrNotFound = errors.New("run state not found")
)

const (
	stateFile = "run.yaml"
	lockFile  = "run.lock"
)

// Store is the state of one run directory, held under an exclusive lock
// until Close.
type Store struct {
	dir  string
	lock *flock.Flock

	mu      sync.Mutex
	current *RunState
}

// Open locks dir, creating it if needed. A lock held elsewhere fails
// immediately with ErrLocked.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pkgerrors.WithMessage(err, "could not create run directory")
	}
	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "could not lock run directory")
	}
	if !locked {
		return nil, ErrLocked
	}
	return &Store{dir: dir, lock: lock}, nil
}

// Dir is the run directory.
func (s *Store) Dir() string { return s.dir }

// Path is the state file.
func (s *Store) Path() string { return filepath.Join(s.dir, stateFile) }

// Load reads the saved state.
func (s *Store) Load() (*RunState, error) {
	rs, err := Read(s.dir)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.current = rs
	s.mu.Unlock()
	return rs, nil
}

// Read loads the state of dir without locking it, for read-only
// inspection of a run that may be in progress.
func Read(dir string) (*RunState, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "could not read run state")
	}
	rs := &RunState{}
	if err := yaml.Unmarshal(data, rs); err != nil {
		return nil, pkgerrors.WithMessage(err, "could not parse run state")
	}
	return rs, nil
}

// Save replaces the state file atomically: the new state is written to a
// temporary file, synced and renamed over the old one.
func (s *Store) Save(rs *RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := yaml.Marshal(rs)
	if err != nil {
		return pkgerrors.WithMessage(err, "could not encode run state")
	}
	tmp, err := os.CreateTemp(s.dir, stateFile+".*.tmp")
	if err != nil {
		return pkgerrors.WithMessage(err, "could not create temporary state file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return pkgerrors.WithMessage(err, "could not write run state")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return pkgerrors.WithMessage(err, "could not sync run state")
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.WithMessage(err, "could not close run state")
	}
	if err := os.Rename(tmp.Name(), s.Path()); err != nil {
		return pkgerrors.WithMessage(err, "could not replace run state")
	}
	syncDir(s.dir)
	s.current = rs
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// MarkStep sets the status of a step in the last loaded or saved state and
// saves it. A non-nil cause is recorded as the step error.
func (s *Store) MarkStep(step string, status Status, cause error) error {
	s.mu.Lock()
	rs := s.current
	s.mu.Unlock()
	if rs == nil {
		return ErrNotFound
	}
	rs.Set(step, status, cause)
	return s.Save(rs)
}

// Close releases the lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}
