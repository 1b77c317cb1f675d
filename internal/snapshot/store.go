// Package snapshot persists baselines and the integrity audit trail.
//
// Metadata lives in a SQLite database under the data root; archive blobs
// are tar files stored next to it, one per (container, version). Snapshots
// are immutable and versioned: later baselines supersede, never overwrite.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vigil/internal/hash"
	"vigil/internal/integrity"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound means no snapshot exists for the requested container
	// or version.
	ErrNotFound = errors.New("snapshot not found")
	// ErrCorrupt means a snapshot's archive blob is missing or unreadable.
	// Fatal for that baseline: the operator must re-baseline.
	ErrCorrupt = errors.New("snapshot archive corrupt")
	// ErrRestoreInFlight means a restore journal entry already exists for
	// the container. Concurrent restores are rejected, not queued.
	ErrRestoreInFlight = errors.New("restore already in flight")
)

// Store is safe for concurrent use. Reads are unsynchronized (snapshots
// are append-only and immutable); baseline writes are serialized per
// container.
type Store struct {
	db   *sql.DB
	root string

	mu        sync.Mutex
	baselines map[string]*sync.Mutex
}

// Open opens (creating if needed) the snapshot store under dataRoot.
func Open(dataRoot string) (*Store, error) {
	if err := os.MkdirAll(dataRoot, 0o700); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataRoot, "vigil.db"))
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set snapshot db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set snapshot db busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize snapshot schema: %w", err)
	}

	return &Store{
		db:        db,
		root:      dataRoot,
		baselines: make(map[string]*sync.Mutex),
	}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	container TEXT NOT NULL,
	version INTEGER NOT NULL,
	digest TEXT NOT NULL,
	archive_path TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY(container, version)
);
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	container TEXT NOT NULL,
	at TEXT NOT NULL,
	expected_digest TEXT NOT NULL,
	observed_digest TEXT NOT NULL,
	verdict TEXT NOT NULL,
	restore_outcome TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_container ON events(container, id);
CREATE TABLE IF NOT EXISTS restore_journal (
	container TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	phase TEXT NOT NULL,
	started_at TEXT NOT NULL
);`

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) baselineLock(container string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.baselines[container]
	if !ok {
		l = &sync.Mutex{}
		s.baselines[container] = l
	}
	return l
}

// CreateBaseline captures the archive stream into a new immutable snapshot
// version, hashing the stream with rules as it is written. The digest and
// the archive therefore describe exactly the same bytes. A per-path
// manifest is written next to the archive for forensics.
func (s *Store) CreateBaseline(ctx context.Context, container string, archive io.Reader, rules hash.Rules) (integrity.Snapshot, error) {
	lock := s.baselineLock(container)
	lock.Lock()
	defer lock.Unlock()

	version, err := s.nextVersion(ctx, container)
	if err != nil {
		return integrity.Snapshot{}, err
	}

	dir := filepath.Join(s.root, "archives", container)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return integrity.Snapshot{}, fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".baseline-*.tar")
	if err != nil {
		return integrity.Snapshot{}, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	manifest, err := hash.Tar(io.TeeReader(archive, tmp), rules)
	if err != nil {
		return integrity.Snapshot{}, fmt.Errorf("hash archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return integrity.Snapshot{}, fmt.Errorf("flush archive: %w", err)
	}

	archivePath := filepath.Join(dir, fmt.Sprintf("%d.tar", version))
	if err := os.Rename(tmp.Name(), archivePath); err != nil {
		return integrity.Snapshot{}, fmt.Errorf("store archive: %w", err)
	}
	if err := writeManifest(archivePath, manifest); err != nil {
		return integrity.Snapshot{}, err
	}

	snap := integrity.Snapshot{
		Container:   container,
		Version:     version,
		Digest:      manifest.Sum(),
		ArchivePath: archivePath,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (container, version, digest, archive_path, created_at) VALUES (?, ?, ?, ?, ?)`,
		snap.Container, snap.Version, snap.Digest, snap.ArchivePath, snap.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		_ = os.Remove(archivePath)
		return integrity.Snapshot{}, fmt.Errorf("record snapshot: %w", err)
	}
	return snap, nil
}

func writeManifest(archivePath string, m hash.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	p := archivePath + ".manifest.json"
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (s *Store) nextVersion(ctx context.Context, container string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM snapshots WHERE container = ?`, container,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query latest version: %w", err)
	}
	return int(max.Int64) + 1, nil
}

// GetLatest returns the most recent snapshot for container.
func (s *Store) GetLatest(ctx context.Context, container string) (integrity.Snapshot, error) {
	return s.get(ctx,
		`SELECT container, version, digest, archive_path, created_at
		 FROM snapshots WHERE container = ? ORDER BY version DESC LIMIT 1`, container)
}

// GetVersion returns one specific snapshot version for container.
func (s *Store) GetVersion(ctx context.Context, container string, version int) (integrity.Snapshot, error) {
	return s.get(ctx,
		`SELECT container, version, digest, archive_path, created_at
		 FROM snapshots WHERE container = ? AND version = ?`, container, version)
}

func (s *Store) get(ctx context.Context, query string, args ...any) (integrity.Snapshot, error) {
	var snap integrity.Snapshot
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&snap.Container, &snap.Version, &snap.Digest, &snap.ArchivePath, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return integrity.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return integrity.Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		snap.CreatedAt = t
	}
	return snap, nil
}

// List returns all snapshots for container, oldest first.
func (s *Store) List(ctx context.Context, container string) ([]integrity.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT container, version, digest, archive_path, created_at
		 FROM snapshots WHERE container = ? ORDER BY version`, container)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]integrity.Snapshot, 0)
	for rows.Next() {
		var snap integrity.Snapshot
		var createdAt string
		if err := rows.Scan(&snap.Container, &snap.Version, &snap.Digest, &snap.ArchivePath, &createdAt); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			snap.CreatedAt = t
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return out, nil
}

// OpenArchive opens the archive blob of snap for reading.
func (s *Store) OpenArchive(snap integrity.Snapshot) (io.ReadCloser, error) {
	f, err := os.Open(snap.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return f, nil
}

// AppendEvent writes one audit record and returns its id. Events are
// append-only; nothing ever updates or deletes them.
func (s *Store) AppendEvent(ctx context.Context, ev integrity.Event) (int64, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (container, at, expected_digest, observed_digest, verdict, restore_outcome, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Container, ev.At.UTC().Format(time.RFC3339Nano),
		ev.ExpectedDigest, ev.ObservedDigest, string(ev.Verdict), ev.RestoreOutcome, ev.Detail,
	)
	if err != nil {
		return 0, fmt.Errorf("append integrity event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("integrity event id: %w", err)
	}
	return id, nil
}

// ListEvents returns up to limit events for container, newest last.
// limit <= 0 means no limit.
func (s *Store) ListEvents(ctx context.Context, container string, limit int) ([]integrity.Event, error) {
	query := `SELECT id, container, at, expected_digest, observed_digest, verdict, restore_outcome, detail
		FROM events WHERE container = ? ORDER BY id DESC`
	args := []any{container}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list integrity events: %w", err)
	}
	defer rows.Close()

	var out []integrity.Event
	for rows.Next() {
		var ev integrity.Event
		var at, verdict string
		if err := rows.Scan(&ev.ID, &ev.Container, &at, &ev.ExpectedDigest, &ev.ObservedDigest, &verdict, &ev.RestoreOutcome, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan integrity event row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			ev.At = t
		}
		ev.Verdict = integrity.Verdict(verdict)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate integrity events: %w", err)
	}
	// Reverse to newest-last, the order of the persisted log.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// JournalEntry is one persisted in-flight restore.
type JournalEntry struct {
	Container string
	Version   int
	Phase     string
	StartedAt time.Time
}

// BeginRestore records a restore as in flight. Fails with
// ErrRestoreInFlight if an entry already exists, which both enforces
// mutual exclusion across processes and surfaces crashes mid-restore.
func (s *Store) BeginRestore(ctx context.Context, container string, version int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO restore_journal (container, version, phase, started_at) VALUES (?, ?, 'started', ?)`,
		container, version, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRestoreInFlight
		}
		return fmt.Errorf("begin restore journal: %w", err)
	}
	return nil
}

// SetRestorePhase updates the persisted phase of an in-flight restore.
func (s *Store) SetRestorePhase(ctx context.Context, container, phase string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE restore_journal SET phase = ? WHERE container = ?`, phase, container); err != nil {
		return fmt.Errorf("update restore journal: %w", err)
	}
	return nil
}

// FinishRestore clears the journal entry once the restore has completed,
// successfully or not.
func (s *Store) FinishRestore(ctx context.Context, container string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM restore_journal WHERE container = ?`, container); err != nil {
		return fmt.Errorf("finish restore journal: %w", err)
	}
	return nil
}

// ClearUnfinishedRestore removes the journal entry for container,
// returning what it held. Reserved for explicit operator commands: a row
// left by a crashed process would otherwise reject restores forever, and
// the operator's retry or re-baseline is the authority that supersedes it.
func (s *Store) ClearUnfinishedRestore(ctx context.Context, container string) (JournalEntry, bool, error) {
	var e JournalEntry
	var startedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT container, version, phase, started_at FROM restore_journal WHERE container = ?`, container,
	).Scan(&e.Container, &e.Version, &e.Phase, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return JournalEntry{}, false, nil
	}
	if err != nil {
		return JournalEntry{}, false, fmt.Errorf("query restore journal: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		e.StartedAt = t
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM restore_journal WHERE container = ?`, container); err != nil {
		return JournalEntry{}, false, fmt.Errorf("clear restore journal: %w", err)
	}
	return e, true, nil
}

// UnfinishedRestores lists journal entries left behind by a crashed
// process. Such containers are reported, not silently resumed.
func (s *Store) UnfinishedRestores(ctx context.Context) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT container, version, phase, started_at FROM restore_journal ORDER BY container`)
	if err != nil {
		return nil, fmt.Errorf("list restore journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var startedAt string
		if err := rows.Scan(&e.Container, &e.Version, &e.Phase, &startedAt); err != nil {
			return nil, fmt.Errorf("scan restore journal row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			e.StartedAt = t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate restore journal: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
