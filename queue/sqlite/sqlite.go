package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/inkwell/draft-sync/queue"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const itemColumns = "seq, record_id, table_name, project_id, operation, payload, client_revision, created_at, attempts"

type Options struct {
	Dedupe queue.DedupePolicy
	// Now is used for enqueue and failure timestamps. Defaults to time.Now.
	Now func() time.Time
}

// SQLiteSyncQueue is a queue.SyncQueue stored in a local SQLite file. It also
// keeps the per-project pull cursors of the replication worker.
type SQLiteSyncQueue struct {
	db     *sql.DB
	dedupe queue.DedupePolicy
	now    func() time.Time
}

var _ queue.SyncQueue = (*SQLiteSyncQueue)(nil)

func NewSQLiteSyncQueue(file string, opts Options) (*SQLiteSyncQueue, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	// a single connection serializes every transaction on the queue
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SQLiteSyncQueue{db: db, dedupe: opts.Dedupe, now: opts.Now}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sync-queue", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations %w", err)
	}
	return nil
}

func (q *SQLiteSyncQueue) Close() error {
	return q.db.Close()
}

func (q *SQLiteSyncQueue) Enqueue(ctx context.Context, item queue.SyncItem) (queue.SyncItem, error) {
	if err := item.Validate(); err != nil {
		return queue.SyncItem{}, err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return queue.SyncItem{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stored, err := q.insert(ctx, tx, item)
	if err != nil {
		return queue.SyncItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return queue.SyncItem{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stored, nil
}

// insert appends item inside tx, applying the dedupe policy and keeping
// record_states in step.
func (q *SQLiteSyncQueue) insert(ctx context.Context, tx *sql.Tx, item queue.SyncItem) (queue.SyncItem, error) {
	var superseded int64
	if q.dedupe == queue.KeepLatest {
		row := tx.QueryRowContext(ctx,
			"SELECT "+itemColumns+" FROM sync_queue WHERE table_name = ? AND record_id = ? ORDER BY client_revision DESC, seq DESC LIMIT 1",
			string(item.Table), item.ID)
		latest, err := scanItem(row)
		if err != nil && err != sql.ErrNoRows {
			return queue.SyncItem{}, fmt.Errorf("failed to get latest queued revision: %w", err)
		}
		if err == nil && latest.ClientRevision >= item.ClientRevision {
			return latest, nil
		}
		res, err := tx.ExecContext(ctx,
			"DELETE FROM sync_queue WHERE table_name = ? AND record_id = ? AND client_revision < ?",
			string(item.Table), item.ID, item.ClientRevision)
		if err != nil {
			return queue.SyncItem{}, fmt.Errorf("failed to remove superseded items: %w", err)
		}
		if superseded, err = res.RowsAffected(); err != nil {
			return queue.SyncItem{}, fmt.Errorf("failed to count superseded items: %w", err)
		}
	}

	item.Seq = 0
	item.Attempts = 0
	item.CreatedAt = q.now()
	err := tx.QueryRowContext(ctx,
		`INSERT INTO sync_queue (record_id, table_name, project_id, operation, payload, client_revision, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING seq`,
		item.ID, string(item.Table), item.ProjectID, string(item.Operation), nullableBlob(item.Payload),
		item.ClientRevision, item.CreatedAt.UnixNano()).Scan(&item.Seq)
	if err != nil {
		return queue.SyncItem{}, fmt.Errorf("failed to insert sync item: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO record_states (table_name, record_id, pending, last_revision) VALUES (?, ?, ?, ?)
		 ON CONFLICT (table_name, record_id) DO UPDATE SET
			pending = MAX(record_states.pending + excluded.pending, 0),
			last_revision = MAX(record_states.last_revision, excluded.last_revision)`,
		string(item.Table), item.ID, 1-superseded, item.ClientRevision)
	if err != nil {
		return queue.SyncItem{}, fmt.Errorf("failed to update record state: %w", err)
	}
	return item, nil
}

func (q *SQLiteSyncQueue) DequeueBatch(ctx context.Context, limit int) ([]queue.SyncItem, error) {
	items := make([]queue.SyncItem, 0)
	if limit <= 0 {
		return items, nil
	}

	rows, err := q.db.QueryContext(ctx, "SELECT "+itemColumns+" FROM sync_queue ORDER BY seq ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync items: %w", err)
	}
	return items, nil
}

func (q *SQLiteSyncQueue) Acknowledge(ctx context.Context, seqs ...int64) error {
	var errs []error
	for _, seq := range seqs {
		if err := q.acknowledge(ctx, seq); err != nil {
			errs = append(errs, fmt.Errorf("failed to acknowledge %d: %w", seq, err))
		}
	}
	return errors.Join(errs...)
}

func (q *SQLiteSyncQueue) acknowledge(ctx context.Context, seq int64) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var table, id string
	var revision int64
	err = tx.QueryRowContext(ctx,
		"DELETE FROM sync_queue WHERE seq = ? RETURNING table_name, record_id, client_revision", seq).
		Scan(&table, &id, &revision)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete sync item: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE record_states SET pending = MAX(pending - 1, 0), synced_revision = MAX(synced_revision, ?)
		 WHERE table_name = ? AND record_id = ?`, revision, table, id)
	if err != nil {
		return fmt.Errorf("failed to update record state: %w", err)
	}
	return tx.Commit()
}

func (q *SQLiteSyncQueue) Status(ctx context.Context, table queue.Table, id string) (queue.RecordStatus, error) {
	status := queue.RecordStatus{Table: table, ID: id}
	err := q.db.QueryRowContext(ctx,
		"SELECT pending, dead_lettered, last_revision, synced_revision FROM record_states WHERE table_name = ? AND record_id = ?",
		string(table), id).Scan(&status.Pending, &status.DeadLettered, &status.LastRevision, &status.SyncedRevision)
	if err != nil && err != sql.ErrNoRows {
		return queue.RecordStatus{}, fmt.Errorf("failed to get record state: %w", err)
	}
	return status, nil
}

func (q *SQLiteSyncQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync items: %w", err)
	}
	return n, nil
}

func (q *SQLiteSyncQueue) RecordFailure(ctx context.Context, reason string, maxAttempts int, seqs ...int64) ([]queue.DeadLetter, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	dead := make([]queue.DeadLetter, 0)
	for _, seq := range seqs {
		row := tx.QueryRowContext(ctx,
			"UPDATE sync_queue SET attempts = attempts + 1, last_error = ? WHERE seq = ? RETURNING "+itemColumns,
			reason, seq)
		item, err := scanItem(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to record failure of %d: %w", seq, err)
		}
		if maxAttempts <= 0 || item.Attempts < maxAttempts {
			continue
		}

		letter := queue.DeadLetter{Item: item, Reason: reason, FailedAt: q.now()}
		if err := moveToDeadLetters(ctx, tx, letter); err != nil {
			return nil, err
		}
		dead = append(dead, letter)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return dead, nil
}

func moveToDeadLetters(ctx context.Context, tx *sql.Tx, letter queue.DeadLetter) error {
	item := letter.Item
	_, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (seq, record_id, table_name, project_id, operation, payload, client_revision, created_at, attempts, reason, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Seq, item.ID, string(item.Table), item.ProjectID, string(item.Operation), nullableBlob(item.Payload),
		item.ClientRevision, item.CreatedAt.UnixNano(), item.Attempts, letter.Reason, letter.FailedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_queue WHERE seq = ?", item.Seq); err != nil {
		return fmt.Errorf("failed to delete dead-lettered item: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE record_states SET pending = MAX(pending - 1, 0), dead_lettered = dead_lettered + 1
		 WHERE table_name = ? AND record_id = ?`, string(item.Table), item.ID)
	if err != nil {
		return fmt.Errorf("failed to update record state: %w", err)
	}
	return nil
}

// DeadLetters lists parked items oldest first. A non-positive limit lists all.
func (q *SQLiteSyncQueue) DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+itemColumns+", reason, failed_at FROM dead_letters ORDER BY seq ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	letters := make([]queue.DeadLetter, 0)
	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}
	return letters, nil
}

func (q *SQLiteSyncQueue) Requeue(ctx context.Context, seqs ...int64) ([]queue.SyncItem, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	requeued := make([]queue.SyncItem, 0, len(seqs))
	for _, seq := range seqs {
		row := tx.QueryRowContext(ctx,
			"DELETE FROM dead_letters WHERE seq = ? RETURNING "+itemColumns+", reason, failed_at", seq)
		letter, err := scanDeadLetter(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to remove dead letter %d: %w", seq, err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE record_states SET dead_lettered = MAX(dead_lettered - 1, 0) WHERE table_name = ? AND record_id = ?",
			string(letter.Item.Table), letter.Item.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update record state: %w", err)
		}
		item, err := q.insert(ctx, tx, letter.Item)
		if err != nil {
			return nil, err
		}
		requeued = append(requeued, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return requeued, nil
}

// PullCursor returns the highest server revision pulled for a project.
func (q *SQLiteSyncQueue) PullCursor(ctx context.Context, projectID string) (int64, error) {
	var revision int64
	err := q.db.QueryRowContext(ctx, "SELECT revision FROM pull_cursors WHERE project_id = ?", projectID).Scan(&revision)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to get pull cursor: %w", err)
	}
	return revision, nil
}

// SetPullCursor advances the pull cursor of a project. It never regresses.
func (q *SQLiteSyncQueue) SetPullCursor(ctx context.Context, projectID string, revision int64) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO pull_cursors (project_id, revision) VALUES (?, ?)
		 ON CONFLICT (project_id) DO UPDATE SET revision = MAX(pull_cursors.revision, excluded.revision)`,
		projectID, revision)
	if err != nil {
		return fmt.Errorf("failed to set pull cursor: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (queue.SyncItem, error) {
	var item queue.SyncItem
	var table, operation string
	var createdAt int64
	err := row.Scan(&item.Seq, &item.ID, &table, &item.ProjectID, &operation, &item.Payload,
		&item.ClientRevision, &createdAt, &item.Attempts)
	if err != nil {
		return queue.SyncItem{}, err
	}
	item.Table = queue.Table(table)
	item.Operation = queue.Operation(operation)
	item.CreatedAt = time.Unix(0, createdAt)
	return item, nil
}

func scanDeadLetter(row scanner) (queue.DeadLetter, error) {
	var letter queue.DeadLetter
	var table, operation string
	var createdAt, failedAt int64
	item := &letter.Item
	err := row.Scan(&item.Seq, &item.ID, &table, &item.ProjectID, &operation, &item.Payload,
		&item.ClientRevision, &createdAt, &item.Attempts, &letter.Reason, &failedAt)
	if err != nil {
		return queue.DeadLetter{}, err
	}
	item.Table = queue.Table(table)
	item.Operation = queue.Operation(operation)
	item.CreatedAt = time.Unix(0, createdAt)
	letter.FailedAt = time.Unix(0, failedAt)
	return letter, nil
}

func nullableBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
