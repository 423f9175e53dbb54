package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/inkwell/draft-sync/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SQLiteSyncStorage struct {
	db *sql.DB
}

func NewSQLiteSyncStorage(file string) (*SQLiteSyncStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable wal %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}
	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", migrationDriver, file, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteSyncStorage{db: db}, nil
}

func (s *SQLiteSyncStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteSyncStorage) ApplyBatch(ctx context.Context, userID, projectID string, mutations []store.Mutation) ([]store.ApplyResult, error) {
	for _, m := range mutations {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	results := make([]store.ApplyResult, 0, len(mutations))
	for _, m := range mutations {
		result := store.ApplyResult{Table: m.Table, Id: m.Id, ClientRevision: m.ClientRevision}

		// compare with the revision we already hold for this record
		var clientRevision, revision int64
		err = tx.QueryRowContext(ctx,
			"SELECT client_revision, revision FROM records WHERE user_id = ? AND project_id = ? AND table_name = ? AND id = ?",
			userID, projectID, m.Table, m.Id).Scan(&clientRevision, &revision)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to get record's latest revision: %w", err)
		}
		result.Status = store.Decide(err == nil, clientRevision, m.ClientRevision)
		if result.Status != store.Applied {
			result.Revision = revision
			results = append(results, result)
			continue
		}

		// bump the user's revision
		err = tx.QueryRowContext(ctx,
			`INSERT INTO user_revisions (user_id, revision) VALUES (?, 1)
			 ON CONFLICT (user_id) DO UPDATE SET revision = user_revisions.revision + 1 RETURNING revision`,
			userID).Scan(&result.Revision)
		if err != nil {
			return nil, fmt.Errorf("failed to set user's latest revision: %w", err)
		}

		var payload []byte
		if m.Operation == store.OpUpsert {
			payload = m.Payload
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO records (user_id, project_id, table_name, id, payload, deleted, client_revision, revision, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, projectID, m.Table, m.Id, payload, m.Operation == store.OpDelete, m.ClientRevision, result.Revision,
			m.WrittenAt(time.Now()).UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to insert record: %w", err)
		}
		results = append(results, result)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return results, nil
}

func (s *SQLiteSyncStorage) ListChanges(ctx context.Context, userID, projectID string, sinceRevision int64) ([]store.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name, id, payload, deleted, client_revision, revision, updated_at FROM records
		 WHERE user_id = ? AND project_id = ? AND revision > ? ORDER BY revision ASC`,
		userID, projectID, sinceRevision)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]store.StoredRecord, 0)
	for rows.Next() {
		record := store.StoredRecord{ProjectId: projectID}
		var updatedAt int64
		err = rows.Scan(&record.Table, &record.Id, &record.Payload, &record.Deleted, &record.ClientRevision, &record.Revision, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record.UpdatedAt = time.UnixMilli(updatedAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}
