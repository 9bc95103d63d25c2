// Package resume checkpoints crawl progress so an interrupted run restarts
// where it stopped instead of from scratch.
package resume

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/copima/copima/core"
)

const stateVersion = 1

// Failure records one entity the crawl could not finish. Failures never abort
// a phase; they are reported at the end of the run.
type Failure struct {
	Key     string    `json:"key"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// PhaseState tracks one crawl phase. Cursors index pagination per connection
// key; Done marks entities fully crawled. When both exist for the same key
// the cursor wins, because a cursor proves pagination was mid-flight.
type PhaseState struct {
	Completed bool              `json:"completed"`
	Cursors   map[string]string `json:"cursors,omitempty"`
	Done      map[string]bool   `json:"done,omitempty"`
	Failures  []Failure         `json:"failures,omitempty"`
}

// State is the serialized resume document.
type State struct {
	Version   int                        `json:"version"`
	StartedAt time.Time                  `json:"startedAt"`
	UpdatedAt time.Time                  `json:"updatedAt"`
	Phases    map[core.Phase]*PhaseState `json:"phases"`
}

func newState(now time.Time) State {
	return State{
		Version:   stateVersion,
		StartedAt: now,
		UpdatedAt: now,
		Phases:    map[core.Phase]*PhaseState{},
	}
}

// Manager owns the resume state file. All mutators are safe for concurrent
// use and mark the state dirty; Save persists atomically.
type Manager struct {
	path   string
	logger core.Logger

	mu    sync.Mutex
	state State
	dirty bool

	// Now is swappable in tests.
	Now func() time.Time
}

type Option func(*Manager)

func WithLogger(logger core.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.Now = now
		}
	}
}

func NewManager(path string, options ...Option) (*Manager, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, core.NewError("resume: state file path is required", goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	manager := &Manager{
		path:   path,
		logger: glog.Nop(),
		Now:    func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(manager)
	}
	manager.state = newState(manager.Now())
	return manager, nil
}

// Load reads the state file. A missing file starts fresh. A corrupt file is
// preserved as <path>.bak and the crawl restarts from an empty state.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.WrapError(err, goerrors.CategoryInternal,
			fmt.Sprintf("resume: read %s", m.path), core.ErrorStateCorrupt)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		backup := m.path + ".bak"
		if renameErr := os.Rename(m.path, backup); renameErr != nil {
			return core.WrapError(renameErr, goerrors.CategoryInternal,
				fmt.Sprintf("resume: preserve corrupt state as %s", backup), core.ErrorStateCorrupt)
		}
		m.logger.Warn("resume state is corrupt, starting fresh",
			"path", m.path, "backup", backup, "error", err.Error())
		m.state = newState(m.Now())
		return nil
	}
	if state.Phases == nil {
		state.Phases = map[core.Phase]*PhaseState{}
	}
	if state.Version == 0 {
		state.Version = stateVersion
	}
	m.state = state
	return nil
}

// Save persists the state through a temp file and rename. A no-op while
// clean.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return nil
	}
	return m.saveLocked()
}

// ForceSave persists regardless of the dirty flag.
func (m *Manager) ForceSave() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	m.state.UpdatedAt = m.Now()
	payload, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return core.WrapError(err, goerrors.CategoryInternal,
			"resume: encode state", core.ErrorInternal)
	}
	payload = append(payload, '\n')

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return core.WrapError(err, goerrors.CategoryInternal,
			"resume: create state directory", core.ErrorSinkWrite)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return core.WrapError(err, goerrors.CategoryInternal,
			fmt.Sprintf("resume: write %s", tmp), core.ErrorSinkWrite)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return core.WrapError(err, goerrors.CategoryInternal,
			fmt.Sprintf("resume: replace %s", m.path), core.ErrorSinkWrite)
	}
	m.dirty = false
	return nil
}

// StartAutoSave persists the state every interval until the context ends or
// the returned stop function runs. The final save flushes pending changes.
func (m *Manager) StartAutoSave(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Save(); err != nil {
					m.logger.Error("resume autosave failed", "error", err.Error())
				}
			case <-ctx.Done():
				_ = m.Save()
				return
			case <-done:
				_ = m.Save()
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (m *Manager) phase(phase core.Phase) *PhaseState {
	state, ok := m.state.Phases[phase]
	if !ok {
		state = &PhaseState{}
		m.state.Phases[phase] = state
	}
	return state
}

func (m *Manager) PhaseCompleted(phase core.Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.state.Phases[phase]
	return ok && state.Completed
}

func (m *Manager) MarkPhaseComplete(phase core.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase(phase).Completed = true
	m.dirty = true
}

// Cursor returns the stored pagination cursor for a connection key.
func (m *Manager) Cursor(phase core.Phase, key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.state.Phases[phase]
	if !ok {
		return ""
	}
	return state.Cursors[key]
}

func (m *Manager) SetCursor(phase core.Phase, key, cursor string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.phase(phase)
	if state.Cursors == nil {
		state.Cursors = map[string]string{}
	}
	state.Cursors[key] = cursor
	m.dirty = true
}

// ClearCursor drops a finished connection's cursor and marks the key done.
func (m *Manager) ClearCursor(phase core.Phase, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.phase(phase)
	delete(state.Cursors, key)
	if state.Done == nil {
		state.Done = map[string]bool{}
	}
	state.Done[key] = true
	m.dirty = true
}

// ShouldSkip reports whether the connection key is fully crawled. A live
// cursor overrides the done flag: mid-flight pagination resumes.
func (m *Manager) ShouldSkip(phase core.Phase, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.state.Phases[phase]
	if !ok {
		return false
	}
	if _, hasCursor := state.Cursors[key]; hasCursor {
		return false
	}
	return state.Done[key]
}

func (m *Manager) RecordFailure(phase core.Phase, key string, cause error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.phase(phase)
	state.Failures = append(state.Failures, Failure{
		Key:     key,
		Message: message,
		At:      m.Now(),
	})
	m.dirty = true
}

func (m *Manager) Failures(phase core.Phase) []Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.state.Phases[phase]
	if !ok {
		return nil
	}
	return append([]Failure(nil), state.Failures...)
}

// AllFailures collects failures across phases in phase order.
func (m *Manager) AllFailures() []Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	var failures []Failure
	for _, phase := range core.PhaseOrder() {
		if state, ok := m.state.Phases[phase]; ok {
			failures = append(failures, state.Failures...)
		}
	}
	return failures
}

// Reset discards all progress, for a fresh crawl with --no-resume.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newState(m.Now())
	m.dirty = true
}

func (m *Manager) Path() string {
	return m.path
}
