package agentstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Snapshot is the persisted form of the machine. Seq grows with every
// save so a process can tell whether another one changed the state.
type Snapshot struct {
	Seq         uint64       `json:"seq"`
	State       State        `json:"state"`
	Since       time.Time    `json:"since"`
	Verdicts    []Record     `json:"verdicts"`
	Transitions []Transition `json:"transitions"`
}

// Store persists snapshots. Load returns nil, nil when nothing has been
// saved yet.
type Store interface {
	Load() (*Snapshot, error)
	Save(*Snapshot) error
}

// FileStore keeps the snapshot as JSON in one file, replaced atomically.
type FileStore struct {
	Path string
}

func (s FileStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.Path, err)
	}
	switch snap.State {
	case StateMonitoring, StateAlert, StateLockdown:
	default:
		return nil, fmt.Errorf("%s: unknown state %q", s.Path, snap.State)
	}
	return &snap, nil
}

func (s FileStore) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}

// refresh adopts a newer snapshot written by another process. Called
// with mu held.
func (m *Machine) refresh() {
	if m.store == nil {
		return
	}
	snap, err := m.store.Load()
	if err != nil {
		m.log.Warn("reading agent state failed, keeping in-memory state", "error", err)
		return
	}
	if snap != nil && snap.Seq > m.snap.Seq {
		m.snap = *snap
	}
}

// persist saves the snapshot. Called with mu held.
func (m *Machine) persist() {
	m.snap.Seq++
	if m.store == nil {
		return
	}
	if err := m.store.Save(&m.snap); err != nil {
		m.log.Error("saving agent state failed", "error", err)
	}
}
