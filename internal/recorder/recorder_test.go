package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecorderRotation(t *testing.T) {
	dir := t.TempDir()

	r, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < MaxRotatedFiles+2; i++ {
		if err := r.Start("run"); err != nil {
			t.Fatal(err)
		}
		r.Log(KindStep, "page", map[string]string{"tool": "click"})
		time.Sleep(10 * time.Millisecond)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxRotatedFiles {
		t.Errorf("expected %d files, got %d", MaxRotatedFiles, len(entries))
	}
}

func TestRecorderIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	foreign := filepath.Join(dir, "notes.jsonl")
	if err := os.WriteFile(foreign, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < MaxRotatedFiles+1; i++ {
		if err := r.Start("run"); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.Close()

	if _, err := os.Stat(foreign); err != nil {
		t.Fatalf("foreign file removed: %v", err)
	}
}

func TestRecorderLogging(t *testing.T) {
	dir := t.TempDir()

	r, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start("run1"); err != nil {
		t.Fatal(err)
	}

	r.Log(KindBatchStart, "p1", map[string]interface{}{"steps": 2})
	r.Log(KindBatchEnd, "p1", map[string]interface{}{"ok": true})
	path := r.Path()
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	events, err := ReadEvents(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != KindBatchStart || events[0].PageID != "p1" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Kind != KindBatchEnd {
		t.Errorf("unexpected last event: %+v", events[1])
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	if err := r.Start("x"); err != nil {
		t.Fatal(err)
	}
	r.Log(KindStep, "p", nil)
	if r.Path() != "" {
		t.Error("nil recorder has a path")
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLogBeforeStart(t *testing.T) {
	r, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Log(KindStep, "p", "dropped")
	if r.Path() != "" {
		t.Error("path set before Start")
	}
}
