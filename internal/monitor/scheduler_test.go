package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"vigil/internal/adapter/fake"
	"vigil/internal/hash"
	"vigil/internal/integrity"
	"vigil/internal/restore"
	"vigil/internal/snapshot"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) record(eventType, message string) {
	l.mu.Lock()
	l.events = append(l.events, eventType+" "+message)
	l.mu.Unlock()
}

func (l *eventLog) has(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

func noSleep(context.Context, time.Duration) error { return nil }

func setup(t *testing.T, files map[string]fake.File) (*fake.ContainerRuntime, *snapshot.Store) {
	t.Helper()
	rt := fake.NewContainerRuntime()
	rt.AddContainer("web", true, files)

	store, err := snapshot.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	export, err := rt.ExportFilesystem(context.Background(), "web")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateBaseline(context.Background(), "web", export, hash.Rules{}); err != nil {
		t.Fatal(err)
	}
	return rt, store
}

func runScheduler(t *testing.T, s *Scheduler, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned %v, want deadline exceeded", err)
	}
}

func statusOf(t *testing.T, s *Scheduler, name string) ContainerStatus {
	t.Helper()
	for _, st := range s.Status() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("container %s not in status", name)
	return ContainerStatus{}
}

func TestSchedulerAutoRestoresDrift(t *testing.T) {
	rt, store := setup(t, map[string]fake.File{
		"etc/app.conf": {Data: []byte("port=80\n"), Mode: 0o644},
	})
	if err := rt.WriteFile("web", "etc/app.conf", []byte("port=1337\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var log eventLog
	s := &Scheduler{
		Runtime:    rt,
		Store:      store,
		Restorer:   &restore.Restorer{Runtime: rt, Store: store, Sleep: noSleep},
		Containers: []ContainerSpec{{Name: "web", Interval: 20 * time.Millisecond, AutoRestore: true}},
		OnEvent:    log.record,
	}
	runScheduler(t, s, 300*time.Millisecond)

	got := rt.Files("web")["etc/app.conf"]
	if string(got.Data) != "port=80\n" {
		t.Errorf("filesystem = %q, want baseline content restored", got.Data)
	}
	st := statusOf(t, s, "web")
	if st.State != integrity.StateClean {
		t.Errorf("state = %s, want clean after restore", st.State)
	}
	if !log.has("check.drift") || !log.has("restore.success") {
		t.Errorf("events missing drift/restore, got %v", log.events)
	}
}

func TestSchedulerDetectOnly(t *testing.T) {
	rt, store := setup(t, map[string]fake.File{
		"etc/app.conf": {Data: []byte("port=80\n"), Mode: 0o644},
	})
	if err := rt.WriteFile("web", "etc/app.conf", []byte("port=1337\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var log eventLog
	s := &Scheduler{
		Runtime:    rt,
		Store:      store,
		Restorer:   &restore.Restorer{Runtime: rt, Store: store, Sleep: noSleep},
		Containers: []ContainerSpec{{Name: "web", Interval: 20 * time.Millisecond}},
		OnEvent:    log.record,
	}
	runScheduler(t, s, 120*time.Millisecond)

	if n := rt.CallCount("ReplaceFilesystem"); n != 0 {
		t.Errorf("detect-only mode replaced the filesystem %d times", n)
	}
	st := statusOf(t, s, "web")
	if st.State != integrity.StateDrifted {
		t.Errorf("state = %s, want drifted", st.State)
	}
	if !log.has("check.drift") {
		t.Errorf("no drift event, got %v", log.events)
	}
}

func TestSchedulerCleanStaysClean(t *testing.T) {
	rt, store := setup(t, map[string]fake.File{
		"etc/app.conf": {Data: []byte("port=80\n"), Mode: 0o644},
	})

	s := &Scheduler{
		Runtime:    rt,
		Store:      store,
		Restorer:   &restore.Restorer{Runtime: rt, Store: store, Sleep: noSleep},
		Containers: []ContainerSpec{{Name: "web", Interval: 20 * time.Millisecond}},
	}
	runScheduler(t, s, 120*time.Millisecond)

	st := statusOf(t, s, "web")
	if st.State != integrity.StateClean {
		t.Errorf("state = %s, want clean", st.State)
	}
	if st.LastDigest != st.BaselineDigest {
		t.Errorf("last digest %s != baseline %s", st.LastDigest, st.BaselineDigest)
	}
	if st.LastChecked.IsZero() {
		t.Error("LastChecked not set")
	}
}

func TestSchedulerUnavailableRuntimeKeepsState(t *testing.T) {
	rt, store := setup(t, map[string]fake.File{
		"f": {Data: []byte("x"), Mode: 0o644},
	})
	rt.ExportFilesystemErr = func(context.Context, string) error {
		return errors.New("engine down")
	}

	var log eventLog
	s := &Scheduler{
		Runtime:    rt,
		Store:      store,
		Restorer:   &restore.Restorer{Runtime: rt, Store: store, Sleep: noSleep},
		Containers: []ContainerSpec{{Name: "web", Interval: 20 * time.Millisecond}},
		OnEvent:    log.record,
	}
	runScheduler(t, s, 120*time.Millisecond)

	st := statusOf(t, s, "web")
	if st.State != integrity.StateUnverified {
		t.Errorf("state = %s, want unverified retained across failed checks", st.State)
	}
	if !log.has("check.unavailable") {
		t.Errorf("no unavailable event, got %v", log.events)
	}
}

func TestSchedulerUnfinishedJournalPinsContainer(t *testing.T) {
	rt, store := setup(t, map[string]fake.File{
		"f": {Data: []byte("x"), Mode: 0o644},
	})
	// A crashed earlier process left its restore journal entry behind.
	if err := store.BeginRestore(context.Background(), "web", 1); err != nil {
		t.Fatal(err)
	}

	var log eventLog
	s := &Scheduler{
		Runtime:    rt,
		Store:      store,
		Restorer:   &restore.Restorer{Runtime: rt, Store: store, Sleep: noSleep},
		Containers: []ContainerSpec{{Name: "web", Interval: 20 * time.Millisecond, AutoRestore: true}},
		OnEvent:    log.record,
	}
	rt.Reset()
	runScheduler(t, s, 120*time.Millisecond)

	st := statusOf(t, s, "web")
	if st.State != integrity.StateRestoreFailed {
		t.Errorf("state = %s, want restore_failed pin", st.State)
	}
	if n := rt.CallCount("ExportFilesystem"); n != 0 {
		t.Errorf("pinned container was checked %d times, want 0", n)
	}
	if !log.has("monitor.unfinished_restore") {
		t.Errorf("no unfinished-restore event, got %v", log.events)
	}
}

func TestAutoRestoreInFlightRevertsToDrifted(t *testing.T) {
	rt, store := setup(t, map[string]fake.File{
		"f": {Data: []byte("x"), Mode: 0o644},
	})
	snap, err := store.GetLatest(context.Background(), "web")
	if err != nil {
		t.Fatal(err)
	}
	// Another process holds the restore journal for this container.
	if err := store.BeginRestore(context.Background(), "web", snap.Version); err != nil {
		t.Fatal(err)
	}

	var log eventLog
	s := &Scheduler{
		Runtime:  rt,
		Store:    store,
		Restorer: &restore.Restorer{Runtime: rt, Store: store, Sleep: noSleep},
		OnEvent:  log.record,
		registry: NewRegistry(),
	}
	s.registry.Add(ContainerStatus{Name: "web", State: integrity.StateDrifted})

	if err := s.autoRestore(context.Background(), ContainerSpec{Name: "web"}, snap); err != nil {
		t.Fatalf("rejected restore is not a failure, got %v", err)
	}
	if st := s.registry.State("web"); st != integrity.StateDrifted {
		t.Errorf("state = %s, want drifted so the next tick retries", st)
	}
	if !log.has("restore.skipped") {
		t.Errorf("no skip event, got %v", log.events)
	}
	if log.has("restore.failed") {
		t.Errorf("rejection reported as failure: %v", log.events)
	}
	if n := rt.CallCount("ReplaceFilesystem"); n != 0 {
		t.Errorf("filesystem touched %d times during a rejected restore", n)
	}
}

func TestSchedulerNoBaselineReported(t *testing.T) {
	rt := fake.NewContainerRuntime()
	rt.AddContainer("web", true, map[string]fake.File{"f": {Data: []byte("x"), Mode: 0o644}})
	store, err := snapshot.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	var log eventLog
	s := &Scheduler{
		Runtime:    rt,
		Store:      store,
		Restorer:   &restore.Restorer{Runtime: rt, Store: store, Sleep: noSleep},
		Containers: []ContainerSpec{{Name: "web", Interval: 20 * time.Millisecond}},
		OnEvent:    log.record,
	}
	runScheduler(t, s, 80*time.Millisecond)

	if !log.has("monitor.no_baseline") {
		t.Errorf("no baseline warning missing, got %v", log.events)
	}
	st := statusOf(t, s, "web")
	if st.State != integrity.StateUnverified {
		t.Errorf("state = %s, want unverified", st.State)
	}
}

func TestSchedulerRunRequiresContainers(t *testing.T) {
	s := &Scheduler{}
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run with no containers should fail")
	}
}
