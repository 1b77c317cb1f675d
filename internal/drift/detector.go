// Package drift re-verifies live containers against their stored baseline.
package drift

import (
	"context"
	"fmt"

	"vigil/internal/hash"
	"vigil/internal/integrity"
	"vigil/internal/snapshot"
)

// Result is the outcome of one drift check.
type Result struct {
	Container string
	Expected  string
	Observed  string
	Verdict   integrity.Verdict
	Snapshot  integrity.Snapshot
}

// Detector computes the current digest of a live container and compares it
// byte-for-byte against the latest stored baseline. It is stateless; every
// check writes exactly one integrity event, including failed checks, so
// false positives caused by exclusion-list drift stay auditable.
//
// The comparison uses the single aggregate digest, never per-file diffs:
// logs must not leak which files changed.
type Detector struct {
	Runtime integrity.ContainerRuntime
	Store   *snapshot.Store
	Rules   hash.Rules
}

// Check performs a one-shot drift check for container. An error return
// means the check itself failed (no verdict); a drift verdict is not an
// error.
func (d *Detector) Check(ctx context.Context, container string) (Result, error) {
	res := Result{Container: container}

	snap, err := d.Store.GetLatest(ctx, container)
	if err != nil {
		d.recordFailure(ctx, res, err)
		return Result{}, fmt.Errorf("baseline for %q: %w", container, err)
	}
	res.Expected = snap.Digest
	res.Snapshot = snap

	observed, err := d.observe(ctx, container)
	if err != nil {
		d.recordFailure(ctx, res, err)
		return Result{}, err
	}
	res.Observed = observed

	res.Verdict = integrity.VerdictDrift
	if observed == snap.Digest {
		res.Verdict = integrity.VerdictMatch
	}
	_, err = d.Store.AppendEvent(ctx, integrity.Event{
		Container:      container,
		ExpectedDigest: res.Expected,
		ObservedDigest: res.Observed,
		Verdict:        res.Verdict,
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// observe exports the live filesystem and hashes it with the detector's
// canonicalization rules. Export failures and timeouts map to
// integrity.ErrRuntimeUnavailable so the scheduler treats them as
// transient.
func (d *Detector) observe(ctx context.Context, container string) (string, error) {
	rc, err := d.Runtime.ExportFilesystem(ctx, container)
	if err != nil {
		return "", fmt.Errorf("%w: export %q: %v", integrity.ErrRuntimeUnavailable, container, err)
	}
	defer rc.Close()

	manifest, err := hash.Tar(rc, d.Rules)
	if err != nil {
		// A timeout firing mid-read surfaces as a stream read error, not
		// as ctx.Err() directly. Classify by the context first so it is
		// retried as transient rather than reported as a detection failure.
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: export %q: %v", integrity.ErrRuntimeUnavailable, container, ctx.Err())
		}
		return "", fmt.Errorf("hash %q: %w", container, err)
	}
	return manifest.Sum(), nil
}

func (d *Detector) recordFailure(ctx context.Context, res Result, cause error) {
	// Best effort: the audit trail should show failed checks, but a
	// failing event write must not mask the original error.
	_, _ = d.Store.AppendEvent(ctx, integrity.Event{
		Container:      res.Container,
		ExpectedDigest: res.Expected,
		ObservedDigest: res.Observed,
		Verdict:        integrity.VerdictError,
		Detail:         cause.Error(),
	})
}
