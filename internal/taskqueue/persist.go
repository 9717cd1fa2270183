package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/qsched/qsched/internal/errors"
)

const stateFileName = "queue-state.json"

// lockTimeout bounds how long a state operation waits for the directory
// lock, polling every lockPoll.
const (
	lockTimeout = 10 * time.Second
	lockPoll    = 50 * time.Millisecond
)

// stateVersion is bumped when the snapshot layout changes incompatibly.
const stateVersion = 1

// persistedState is the serializable representation of the queue.
type persistedState struct {
	Version int   `json:"version"`
	State   State `json:"state"`
}

// StatePath returns the snapshot file path inside dir.
func StatePath(dir string) string {
	return filepath.Join(dir, stateFileName)
}

// SaveState writes the queue state to a JSON file in the given directory.
// The write is atomic: data is written to a temporary file first, then
// renamed into place. A file lock is held during the operation for
// cross-process safety.
func (m *Manager) SaveState(dir string) error {
	lock, err := lockDir(dir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.release() }()

	return writeState(dir, m.State())
}

// LoadState restores a Manager from a previously saved state file in the
// given directory. A missing file yields an empty Manager.
func LoadState(dir string, opts ...ManagerOption) (*Manager, error) {
	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.release() }()

	return readState(dir, opts...)
}

// UpdateState loads the Manager saved in dir, runs fn on it and writes the
// result back, holding the directory lock throughout. Nothing is written
// if fn returns an error.
func UpdateState(dir string, fn func(m *Manager) error, opts ...ManagerOption) error {
	lock, err := lockDir(dir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.release() }()

	m, err := readState(dir, opts...)
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	return writeState(dir, m.State())
}

func lockDir(dir string) (*stateLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create state dir")
	}
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	return acquireStateLock(ctx, dir, lockPoll)
}

func writeState(dir string, state State) error {
	data, err := json.MarshalIndent(persistedState{
		Version: stateVersion,
		State:   state,
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal queue state")
	}

	target := StatePath(dir)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "write temp file")
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return errors.Wrap(err, "rename temp file")
	}

	return nil
}

func readState(dir string, opts ...ManagerOption) (*Manager, error) {
	m := NewManager(opts...)

	data, err := os.ReadFile(StatePath(dir))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read state file")
	}

	var persisted persistedState
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, errors.Wrap(err, "unmarshal queue state")
	}
	if persisted.Version != stateVersion {
		return nil, fmt.Errorf("unsupported queue state version %d", persisted.Version)
	}

	if err := m.SetState(Full(persisted.State)); err != nil {
		return nil, errors.Wrapf(err, "restore queue state from %s", StatePath(dir))
	}
	return m, nil
}
