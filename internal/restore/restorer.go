// Package restore replaces a drifted container's filesystem from a trusted
// snapshot and verifies the result.
package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vigil/internal/hash"
	"vigil/internal/integrity"
	"vigil/internal/snapshot"
)

const (
	// stopStartRetries is 3: engine stop/start is occasionally flaky;
	// more attempts only delay escalation.
	stopStartRetries = 3
	// retryBackoff is 2s, doubling per attempt.
	retryBackoff = 2 * time.Second
)

// ErrVerifyFailed means the restored filesystem does not hash to the
// snapshot's digest. Never retried automatically: re-attempting against a
// possibly corrupt baseline would mask a compromised snapshot.
var ErrVerifyFailed = errors.New("post-restore digest mismatch")

// Outcome summarizes one restore attempt.
type Outcome struct {
	Container string
	Version   int
	Verified  bool
	Elapsed   time.Duration
}

// Restorer executes the stop / replace / restart / verify sequence.
// Restores are mutually exclusive per container; the in-flight set rejects
// concurrent calls in-process and the store's restore journal rejects them
// across processes (and surfaces crashes mid-restore).
type Restorer struct {
	Runtime integrity.ContainerRuntime
	Store   *snapshot.Store
	Clock   integrity.Clock
	// Sleep is injectable for tests; nil means context-aware time.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[string]bool
}

func (r *Restorer) clock() integrity.Clock {
	if r.Clock != nil {
		return r.Clock
	}
	return integrity.RealClock{}
}

func (r *Restorer) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Restorer) acquire(container string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight == nil {
		r.inflight = make(map[string]bool)
	}
	if r.inflight[container] {
		return false
	}
	r.inflight[container] = true
	return true
}

func (r *Restorer) release(container string) {
	r.mu.Lock()
	delete(r.inflight, container)
	r.mu.Unlock()
}

// Restore restores container from snap and verifies the result under
// rules, which must match the exclusions the baseline was hashed with. A
// returned error wrapping ErrVerifyFailed means the restore ran to
// completion but the container still does not match the snapshot.
func (r *Restorer) Restore(ctx context.Context, snap integrity.Snapshot, rules hash.Rules) (Outcome, error) {
	container := snap.Container
	out := Outcome{Container: container, Version: snap.Version}

	if !r.acquire(container) {
		return out, fmt.Errorf("restore %q: %w", container, snapshot.ErrRestoreInFlight)
	}
	defer r.release(container)

	if err := r.Store.BeginRestore(ctx, container, snap.Version); err != nil {
		return out, fmt.Errorf("restore %q: %w", container, err)
	}
	defer func() {
		if err := r.Store.FinishRestore(context.WithoutCancel(ctx), container); err != nil {
			slog.Warn("clear restore journal", "container", container, "err", err)
		}
	}()

	start := r.clock().Now()
	err := r.run(ctx, snap, rules)
	out.Elapsed = r.clock().Now().Sub(start)
	out.Verified = err == nil

	r.audit(ctx, snap, out, err)
	if err != nil {
		return out, fmt.Errorf("restore %q: %w", container, err)
	}
	return out, nil
}

func (r *Restorer) run(ctx context.Context, snap integrity.Snapshot, rules hash.Rules) error {
	container := snap.Container

	if err := r.withRetry(ctx, "stop", func(ctx context.Context) error {
		return r.Runtime.ContainerStop(ctx, container)
	}); err != nil {
		return err
	}
	_ = r.Store.SetRestorePhase(ctx, container, "stopped")

	archive, err := r.Store.OpenArchive(snap)
	if err != nil {
		// Filesystem untouched so far; bring the container back up.
		r.restartBestEffort(ctx, container)
		return err
	}
	defer archive.Close()

	if err := r.Runtime.ReplaceFilesystem(ctx, container, archive); err != nil {
		r.restartBestEffort(ctx, container)
		return fmt.Errorf("replace filesystem: %w", err)
	}
	_ = r.Store.SetRestorePhase(ctx, container, "replaced")

	if err := r.withRetry(ctx, "start", func(ctx context.Context) error {
		return r.Runtime.ContainerStart(ctx, container)
	}); err != nil {
		return err
	}
	_ = r.Store.SetRestorePhase(ctx, container, "started")

	return r.verify(ctx, snap, rules)
}

// verify re-hashes the restored container and asserts the digest equals
// the snapshot's. Catches corrupted archives and non-deterministic restore
// side effects.
func (r *Restorer) verify(ctx context.Context, snap integrity.Snapshot, rules hash.Rules) error {
	rc, err := r.Runtime.ExportFilesystem(ctx, snap.Container)
	if err != nil {
		return fmt.Errorf("%w: export for verification: %v", integrity.ErrRuntimeUnavailable, err)
	}
	defer rc.Close()

	manifest, err := hash.Tar(rc, rules)
	if err != nil {
		return fmt.Errorf("verify restored %q: %w", snap.Container, err)
	}
	if got := manifest.Sum(); got != snap.Digest {
		return fmt.Errorf("%w: got %s, want %s", ErrVerifyFailed, got, snap.Digest)
	}
	return nil
}

func (r *Restorer) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := retryBackoff
	var err error
	for attempt := 1; attempt <= stopStartRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == stopStartRetries {
			break
		}
		slog.Debug("restore step failed, retrying", "op", op, "attempt", attempt, "err", err)
		if serr := r.sleep(ctx, backoff); serr != nil {
			return serr
		}
		backoff *= 2
	}
	return fmt.Errorf("%s after %d attempts: %w", op, stopStartRetries, err)
}

func (r *Restorer) restartBestEffort(ctx context.Context, container string) {
	if err := r.Runtime.ContainerStart(context.WithoutCancel(ctx), container); err != nil {
		slog.Warn("restart after aborted restore", "container", container, "err", err)
	}
}

func (r *Restorer) audit(ctx context.Context, snap integrity.Snapshot, out Outcome, cause error) {
	ev := integrity.Event{
		Container:      snap.Container,
		ExpectedDigest: snap.Digest,
		Verdict:        integrity.VerdictMatch,
		RestoreOutcome: integrity.RestoreOutcomeRestored,
		Detail:         fmt.Sprintf("restored from version %d in %s", snap.Version, out.Elapsed.Round(time.Millisecond)),
	}
	if cause != nil {
		ev.Verdict = integrity.VerdictError
		ev.RestoreOutcome = integrity.RestoreOutcomeFailed
		ev.Detail = cause.Error()
	}
	if _, err := r.Store.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		slog.Warn("append restore audit event", "container", snap.Container, "err", err)
	}
}
