package manager

import (
	"errors"
	"testing"
	"time"

	"runnerd/internal/apperr"
	"runnerd/internal/engine"
)

var errTest = errors.New("instantiation failed")

func loadAndWait(t *testing.T, l *SingleLoader, rec *eventRecorder, model, quant string) string {
	t.Helper()
	if _, err := l.Load(model, quant); err != nil {
		t.Fatalf("load %s: %v", model, err)
	}
	rec.waitTerminal(t)
	// The completion callback runs after the terminal event is emitted; give
	// it a beat to record the handle.
	deadline := time.Now().Add(time.Second)
	for l.Loading() {
		if time.Now().After(deadline) {
			t.Fatal("load never settled")
		}
		time.Sleep(time.Millisecond)
	}
	id, ok := l.Current()
	if !ok {
		t.Fatalf("no resident handle after loading %s", model)
	}
	return id
}

func TestSingleLoaderReplacesPreviousHandle(t *testing.T) {
	dl := newFakeDownloader()
	dl.seed("first", "Q4", "/fake/first.gguf")
	dl.seed("second", "Q4", "/fake/second.gguf")
	eng := &engine.FakeEngine{}
	m := newTestManager(t, dl, eng)
	rec := recordEvents(m)
	l := NewSingleLoader(m)

	firstHandle := loadAndWait(t, l, rec, "first", "Q4")
	secondHandle := loadAndWait(t, l, rec, "second", "Q4")

	if firstHandle == secondHandle {
		t.Fatal("expected a fresh handle for the second load")
	}
	if m.ResidentCount() != 1 {
		t.Fatalf("resident count: got %d, want 1", m.ResidentCount())
	}
	if !m.IsDisposed(firstHandle) {
		t.Fatal("first handle should have been disposed before the second load")
	}
	insts := eng.Instances()
	if len(insts) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(insts))
	}
	if !insts[0].Closed() || insts[1].Closed() {
		t.Fatal("only the first instance should be closed")
	}
}

func TestSingleLoaderRejectsConcurrentLoad(t *testing.T) {
	dl := newFakeDownloader()
	dl.seed("tiny", "Q4", "/fake/tiny.gguf")
	eng := &engine.FakeEngine{LoadDelay: 200 * time.Millisecond}
	m := newTestManager(t, dl, eng)
	rec := recordEvents(m)
	l := NewSingleLoader(m)

	if _, err := l.Load("tiny", "Q4"); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if !l.Loading() {
		t.Fatal("loader should report loading")
	}
	if _, err := l.Load("tiny", "Q4"); !apperr.IsAlreadyLoading(err) {
		t.Fatalf("expected ALREADY_LOADING, got %v", err)
	}
	rec.waitTerminal(t)
}

func TestSingleLoaderRejectsUnloadWhileLoading(t *testing.T) {
	dl := newFakeDownloader()
	dl.seed("tiny", "Q4", "/fake/tiny.gguf")
	eng := &engine.FakeEngine{LoadDelay: 200 * time.Millisecond}
	m := newTestManager(t, dl, eng)
	rec := recordEvents(m)
	l := NewSingleLoader(m)

	if _, err := l.Load("tiny", "Q4"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := l.Unload("whatever"); !apperr.IsAlreadyLoading(err) {
		t.Fatalf("expected ALREADY_LOADING, got %v", err)
	}
	rec.waitTerminal(t)
}

func TestSingleLoaderUnloadClearsCurrent(t *testing.T) {
	dl := newFakeDownloader()
	dl.seed("tiny", "Q4", "/fake/tiny.gguf")
	m := newTestManager(t, dl, &engine.FakeEngine{})
	rec := recordEvents(m)
	l := NewSingleLoader(m)

	handle := loadAndWait(t, l, rec, "tiny", "Q4")
	ok, err := l.Unload(handle)
	if err != nil || !ok {
		t.Fatalf("unload: ok=%v err=%v", ok, err)
	}
	if _, has := l.Current(); has {
		t.Fatal("current should be cleared")
	}
	// Unloading an unknown handle reports false without error.
	ok, err = l.Unload("no-such-handle")
	if err != nil {
		t.Fatalf("unload unknown: %v", err)
	}
	if ok {
		t.Fatal("unknown handle should report false")
	}
}

func TestSingleLoaderFailedLoadLeavesNothingResident(t *testing.T) {
	dl := newFakeDownloader()
	dl.seed("good", "Q4", "/fake/good.gguf")
	dl.seed("bad", "Q4", "/fake/bad.gguf")
	eng := &engine.FakeEngine{}
	m := newTestManager(t, dl, eng)
	rec := recordEvents(m)
	l := NewSingleLoader(m)

	loadAndWait(t, l, rec, "good", "Q4")

	// The second load fails at instantiation; the previous handle is
	// already gone, so nothing remains resident.
	eng.LoadErr = errTest
	if _, err := l.Load("bad", "Q4"); err != nil {
		t.Fatalf("load: %v", err)
	}
	rec.waitTerminal(t)
	deadline := time.Now().Add(time.Second)
	for l.Loading() {
		if time.Now().After(deadline) {
			t.Fatal("load never settled")
		}
		time.Sleep(time.Millisecond)
	}
	if _, has := l.Current(); has {
		t.Fatal("failed load must not record a handle")
	}
	if m.ResidentCount() != 0 {
		t.Fatalf("resident count: got %d, want 0", m.ResidentCount())
	}
}
