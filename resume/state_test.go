package resume

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/copima/copima/core"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(filepath.Join(t.TempDir(), "resume-state.json"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume-state.json")
	first, err := NewManager(path)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	first.SetCursor(core.PhaseResources, "group:acme", "cursor-42")
	first.ClearCursor(core.PhaseResources, "group:done")
	first.MarkPhaseComplete(core.PhaseAreas)
	first.RecordFailure(core.PhaseResources, "project:ghost", os.ErrNotExist)
	if err := first.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	second, err := NewManager(path)
	if err != nil {
		t.Fatalf("reopen manager: %v", err)
	}
	if err := second.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !second.PhaseCompleted(core.PhaseAreas) {
		t.Fatal("areas phase completion lost")
	}
	if got := second.Cursor(core.PhaseResources, "group:acme"); got != "cursor-42" {
		t.Fatalf("expected cursor-42, got %q", got)
	}
	if !second.ShouldSkip(core.PhaseResources, "group:done") {
		t.Fatal("done connection must be skipped")
	}
	failures := second.Failures(core.PhaseResources)
	if len(failures) != 1 || failures[0].Key != "project:ghost" {
		t.Fatalf("failure lost: %+v", failures)
	}
}

func TestLoadMissingFileStartsFresh(t *testing.T) {
	manager := newTestManager(t)
	if err := manager.Load(); err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if manager.PhaseCompleted(core.PhaseAreas) {
		t.Fatal("fresh state must have no completed phases")
	}
}

type warnRecorder struct {
	warnings []string
}

func (r *warnRecorder) Trace(string, ...any) {}
func (r *warnRecorder) Debug(string, ...any) {}
func (r *warnRecorder) Info(string, ...any)  {}
func (r *warnRecorder) Error(string, ...any) {}
func (r *warnRecorder) Fatal(string, ...any) {}

func (r *warnRecorder) Warn(msg string, _ ...any) {
	r.warnings = append(r.warnings, msg)
}

func (r *warnRecorder) WithContext(context.Context) core.Logger { return r }

func TestLoadCorruptFilePreservesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume-state.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("write corrupt state: %v", err)
	}

	recorder := &warnRecorder{}
	manager, err := NewManager(path, WithLogger(recorder))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := manager.Load(); err != nil {
		t.Fatalf("load corrupt state: %v", err)
	}

	backup, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(backup) != "{truncated" {
		t.Fatalf("backup content altered: %q", backup)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("corrupt original must be moved aside")
	}
	if len(recorder.warnings) != 1 {
		t.Fatalf("corrupt state must log at warn level, got %v", recorder.warnings)
	}
}

func TestCursorBeatsDoneFlag(t *testing.T) {
	manager := newTestManager(t)

	manager.ClearCursor(core.PhaseResources, "group:acme")
	if !manager.ShouldSkip(core.PhaseResources, "group:acme") {
		t.Fatal("done connection should skip")
	}

	// A cursor reappearing means pagination restarted mid-flight.
	manager.SetCursor(core.PhaseResources, "group:acme", "cursor-7")
	if manager.ShouldSkip(core.PhaseResources, "group:acme") {
		t.Fatal("live cursor must override the done flag")
	}
	if got := manager.Cursor(core.PhaseResources, "group:acme"); got != "cursor-7" {
		t.Fatalf("expected cursor-7, got %q", got)
	}
}

func TestSaveIsNoopWhileClean(t *testing.T) {
	manager := newTestManager(t)
	if err := manager.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(manager.Path()); !os.IsNotExist(err) {
		t.Fatal("clean state must not create a file")
	}
}

func TestSavedDocumentShape(t *testing.T) {
	manager := newTestManager(t)
	manager.SetCursor(core.PhaseUsers, "users", "u-cursor")
	if err := manager.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(manager.Path())
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("state must be plain JSON: %v", err)
	}
	if doc["version"] != float64(1) {
		t.Fatalf("expected version 1, got %v", doc["version"])
	}
	phases := doc["phases"].(map[string]any)
	if _, ok := phases["users"]; !ok {
		t.Fatalf("expected users phase, got %v", phases)
	}
}

func TestResetDiscardsProgress(t *testing.T) {
	manager := newTestManager(t)
	manager.MarkPhaseComplete(core.PhaseAreas)
	manager.Reset()
	if manager.PhaseCompleted(core.PhaseAreas) {
		t.Fatal("reset must drop completion flags")
	}
}

func TestAutoSavePersistsPeriodically(t *testing.T) {
	manager := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := manager.StartAutoSave(ctx, 20*time.Millisecond)
	defer stop()

	manager.SetCursor(core.PhaseUsers, "users", "autosaved")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if raw, err := os.ReadFile(manager.Path()); err == nil {
			var state State
			if json.Unmarshal(raw, &state) == nil {
				if phase, ok := state.Phases[core.PhaseUsers]; ok && phase.Cursors["users"] == "autosaved" {
					return
				}
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("autosave never persisted the cursor")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopAutoSaveFlushes(t *testing.T) {
	manager := newTestManager(t)
	stop := manager.StartAutoSave(context.Background(), time.Hour)

	manager.SetCursor(core.PhaseUsers, "users", "flushed")
	stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if raw, err := os.ReadFile(manager.Path()); err == nil {
			var state State
			if json.Unmarshal(raw, &state) == nil {
				if phase, ok := state.Phases[core.PhaseUsers]; ok && phase.Cursors["users"] == "flushed" {
					return
				}
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("stop must flush pending state")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
