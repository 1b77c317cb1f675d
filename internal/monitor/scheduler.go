// Package monitor runs continuous drift checks across many containers and
// triggers restores per policy.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vigil/internal/drift"
	"vigil/internal/hash"
	"vigil/internal/integrity"
	"vigil/internal/restore"
	"vigil/internal/snapshot"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	// defaultInterval is 30s: the original tool's default check cadence.
	defaultInterval = 30 * time.Second
	// defaultCheckTimeout is 5m: a full filesystem export of a large
	// container should finish well within this; past it the runtime is
	// treated as unavailable and the check retried next tick.
	defaultCheckTimeout = 5 * time.Minute
	// defaultMaxHashes is 2: hashing is I/O- and CPU-bound; the cap is
	// independent of how many containers are monitored.
	defaultMaxHashes = 2
)

// ContainerSpec configures monitoring for one container.
type ContainerSpec struct {
	Name        string
	Interval    time.Duration
	AutoRestore bool
	Rules       hash.Rules
}

// Scheduler drives per-container check loops. Checks for one container
// are totally ordered (one sequential loop per container); across
// containers there is no ordering guarantee. Shutdown is cooperative:
// in-flight checks and restores finish or hit their timeout.
type Scheduler struct {
	Runtime    integrity.ContainerRuntime
	Store      *snapshot.Store
	Restorer   *restore.Restorer
	Containers []ContainerSpec

	// MaxConcurrentHashes caps concurrently active filesystem hash
	// operations (checks and restores). Zero means defaultMaxHashes.
	MaxConcurrentHashes int64
	// CheckTimeout bounds one check or restore operation. Zero means
	// defaultCheckTimeout.
	CheckTimeout time.Duration

	Clock     integrity.Clock
	Tracer    trace.Tracer
	OnEvent   func(eventType, message string)
	OnFailure func(error)

	registry *Registry
}

func (s *Scheduler) clock() integrity.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return integrity.RealClock{}
}

func (s *Scheduler) tracer() trace.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}
	return otel.Tracer("vigil/monitor")
}

func (s *Scheduler) emit(eventType, message string) {
	if s.OnEvent != nil {
		s.OnEvent(eventType, message)
	}
	slog.Debug("monitor event", "event", eventType, "message", message)
}

func (s *Scheduler) fail(err error) {
	if s.OnFailure != nil {
		s.OnFailure(err)
	}
	if err != nil {
		slog.Warn("monitor failure", "err", err)
	}
}

func (s *Scheduler) interval(spec ContainerSpec) time.Duration {
	if spec.Interval > 0 {
		return spec.Interval
	}
	return defaultInterval
}

func (s *Scheduler) checkTimeout() time.Duration {
	if s.CheckTimeout > 0 {
		return s.CheckTimeout
	}
	return defaultCheckTimeout
}

// Status returns a point-in-time view of all monitored containers.
func (s *Scheduler) Status() []ContainerStatus {
	if s.registry == nil {
		return nil
	}
	return s.registry.Snapshot()
}

// Run blocks until ctx is cancelled. It returns ctx.Err() on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.Containers) == 0 {
		return errors.New("no containers to monitor")
	}

	s.registry = NewRegistry()
	if err := s.seedRegistry(ctx); err != nil {
		return err
	}

	maxHashes := s.MaxConcurrentHashes
	if maxHashes <= 0 {
		maxHashes = defaultMaxHashes
	}
	slots := semaphore.NewWeighted(maxHashes)

	var wg sync.WaitGroup
	for i, spec := range s.Containers {
		// Stagger first checks so hashing many large filesystems does
		// not produce a synchronized I/O spike.
		offset := s.interval(spec) * time.Duration(i) / time.Duration(len(s.Containers))
		wg.Add(1)
		go func(spec ContainerSpec, offset time.Duration) {
			defer wg.Done()
			s.containerLoop(ctx, spec, offset, slots)
		}(spec, offset)
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// seedRegistry registers every container, resolves its baseline, and pins
// containers with an unfinished restore journal entry (a crash mid-restore
// in an earlier run) at RestoreFailed until the operator intervenes.
func (s *Scheduler) seedRegistry(ctx context.Context) error {
	unfinished, err := s.Store.UnfinishedRestores(ctx)
	if err != nil {
		return err
	}
	crashed := make(map[string]snapshot.JournalEntry, len(unfinished))
	for _, j := range unfinished {
		crashed[j.Container] = j
	}

	for _, spec := range s.Containers {
		st := ContainerStatus{
			Name:        spec.Name,
			State:       integrity.StateUnverified,
			AutoRestore: spec.AutoRestore,
			Interval:    s.interval(spec),
		}
		if snap, err := s.Store.GetLatest(ctx, spec.Name); err == nil {
			st.BaselineDigest = snap.Digest
			st.BaselineVersion = snap.Version
		} else if errors.Is(err, snapshot.ErrNotFound) {
			s.emit("monitor.no_baseline", fmt.Sprintf("%s has no baseline; checks will fail until one is created", spec.Name))
		} else {
			return err
		}
		if j, ok := crashed[spec.Name]; ok {
			st.State = integrity.StateRestoreFailed
			s.emit("monitor.unfinished_restore",
				fmt.Sprintf("%s has an unfinished restore (phase %s, started %s); pinned at %s",
					spec.Name, j.Phase, j.StartedAt.Format(time.RFC3339), integrity.StateRestoreFailed))
		}
		s.registry.Add(st)
	}
	return nil
}

func (s *Scheduler) containerLoop(ctx context.Context, spec ContainerSpec, offset time.Duration, slots *semaphore.Weighted) {
	if offset > 0 {
		t := time.NewTimer(offset)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	ticker := time.NewTicker(s.interval(spec))
	defer ticker.Stop()

	s.tick(ctx, spec, slots)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, spec, slots)
		}
	}
}

// tick runs one check (and possibly one restore) for spec. The semaphore
// slot is held for the whole operation: a restore's verification hash
// counts against the same cap as a check's.
func (s *Scheduler) tick(ctx context.Context, spec ContainerSpec, slots *semaphore.Weighted) {
	switch s.registry.State(spec.Name) {
	case integrity.StateRestoring:
		// Restore in flight: the tick is rejected, not queued.
		s.emit("check.skipped", fmt.Sprintf("%s: restore in flight", spec.Name))
		return
	case integrity.StateRestoreFailed:
		// Pinned until operator re-baseline or explicit retry.
		return
	}

	if err := slots.Acquire(ctx, 1); err != nil {
		return
	}
	defer slots.Release(1)

	opCtx, cancel := context.WithTimeout(ctx, s.checkTimeout())
	defer cancel()

	opCtx, span := s.tracer().Start(opCtx, "monitor.check",
		trace.WithAttributes(attribute.String("container", spec.Name)))
	defer span.End()

	res, err := s.check(opCtx, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if res.Verdict == integrity.VerdictDrift && spec.AutoRestore {
		if rerr := s.autoRestore(opCtx, spec, res.Snapshot); rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
	}
}

func (s *Scheduler) check(ctx context.Context, spec ContainerSpec) (drift.Result, error) {
	d := &drift.Detector{Runtime: s.Runtime, Store: s.Store, Rules: spec.Rules}

	res, err := d.Check(ctx, spec.Name)
	now := s.clock().Now()
	if err != nil {
		// Transient or detection failure: state unchanged, retried on
		// the next poll cycle.
		if errors.Is(err, integrity.ErrRuntimeUnavailable) {
			s.emit("check.unavailable", fmt.Sprintf("%s: %v", spec.Name, err))
		} else {
			s.emit("check.error", fmt.Sprintf("%s: %v", spec.Name, err))
			s.fail(err)
		}
		s.registry.Update(spec.Name, func(st *ContainerStatus) { st.LastChecked = now })
		return drift.Result{}, err
	}

	s.transition(spec.Name, func(st *ContainerStatus) integrity.State {
		st.LastChecked = now
		st.LastDigest = res.Observed
		st.BaselineDigest = res.Expected
		st.BaselineVersion = res.Snapshot.Version
		return afterCheck(st.State, res.Verdict)
	})
	s.emit("check."+string(res.Verdict), spec.Name)
	return res, nil
}

func (s *Scheduler) autoRestore(ctx context.Context, spec ContainerSpec, snap integrity.Snapshot) error {
	s.transition(spec.Name, func(st *ContainerStatus) integrity.State {
		return integrity.StateRestoring
	})

	out, err := s.Restorer.Restore(ctx, snap, spec.Rules)
	if errors.Is(err, snapshot.ErrRestoreInFlight) {
		// Another holder of the restore journal beat us to it. Rejected,
		// not failed: back to Drifted so the next tick re-attempts.
		s.transition(spec.Name, func(st *ContainerStatus) integrity.State {
			return integrity.StateDrifted
		})
		s.emit("restore.skipped", fmt.Sprintf("%s: %v", spec.Name, err))
		return nil
	}
	s.transition(spec.Name, func(st *ContainerStatus) integrity.State {
		if out.Verified {
			st.LastDigest = snap.Digest
		}
		return afterRestore(out.Verified)
	})
	if err != nil {
		s.emit("restore.failed", fmt.Sprintf("%s: %v", spec.Name, err))
		s.fail(err)
		return err
	}
	s.emit("restore.success", fmt.Sprintf("%s restored from version %d in %s",
		spec.Name, out.Version, out.Elapsed.Round(time.Millisecond)))
	return nil
}

// transition applies fn to the entry and logs the state change, if any.
// Every state transition of the long-running monitor is logged.
func (s *Scheduler) transition(name string, fn func(*ContainerStatus) integrity.State) {
	var from, to integrity.State
	s.registry.Update(name, func(st *ContainerStatus) {
		from = st.State
		to = fn(st)
		st.State = to
	})
	if from != to {
		s.emit("state.transition", fmt.Sprintf("%s: %s -> %s", name, from, to))
		slog.Info("state transition", "container", name, "from", from, "to", to)
	}
}
