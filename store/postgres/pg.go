package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/inkwell/draft-sync/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgSyncStorage struct {
	db *pgxpool.Pool
}

func NewPGSyncStorage(databaseURL string) (*PgSyncStorage, error) {

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}
	defer db.Close()
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"draft-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgSyncStorage{db: pgxPool}, nil
}

func (s *PgSyncStorage) Close() error {
	s.db.Close()
	return nil
}

func (s *PgSyncStorage) ApplyBatch(ctx context.Context, userID, projectID string, mutations []store.Mutation) ([]store.ApplyResult, error) {
	for _, m := range mutations {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	results := make([]store.ApplyResult, 0, len(mutations))
	for _, m := range mutations {
		result := store.ApplyResult{Table: m.Table, Id: m.Id, ClientRevision: m.ClientRevision}

		// compare with the revision we already hold for this record
		var clientRevision, revision int64
		err = tx.QueryRow(ctx,
			"SELECT client_revision, revision FROM records WHERE user_id = $1 AND project_id = $2 AND table_name = $3 AND id = $4",
			userID, projectID, m.Table, m.Id).Scan(&clientRevision, &revision)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to get record's latest revision: %w", err)
		}
		result.Status = store.Decide(err == nil, clientRevision, m.ClientRevision)
		if result.Status != store.Applied {
			result.Revision = revision
			results = append(results, result)
			continue
		}

		err = tx.QueryRow(ctx, "INSERT INTO user_revisions (user_id, revision) VALUES ($1, 1) ON CONFLICT (user_id) DO UPDATE SET revision = user_revisions.revision + 1 RETURNING revision", userID).Scan(&result.Revision)
		if err != nil {
			return nil, fmt.Errorf("failed to set user's latest revision: %w", err)
		}

		var payload []byte
		if m.Operation == store.OpUpsert {
			payload = m.Payload
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO records (user_id, project_id, table_name, id, payload, deleted, client_revision, revision, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (user_id, project_id, table_name, id) DO UPDATE SET
				payload = EXCLUDED.payload, deleted = EXCLUDED.deleted, client_revision = EXCLUDED.client_revision,
				revision = EXCLUDED.revision, updated_at = EXCLUDED.updated_at`,
			userID, projectID, m.Table, m.Id, payload, m.Operation == store.OpDelete, m.ClientRevision, result.Revision,
			m.WrittenAt(time.Now()))
		if err != nil {
			return nil, fmt.Errorf("failed to insert record: %w", err)
		}
		results = append(results, result)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return results, nil
}

func (s *PgSyncStorage) ListChanges(ctx context.Context, userID, projectID string, sinceRevision int64) ([]store.StoredRecord, error) {

	rows, err := s.db.Query(ctx,
		`SELECT table_name, id, payload, deleted, client_revision, revision, updated_at FROM records
		 WHERE user_id = $1 AND project_id = $2 AND revision > $3 ORDER BY revision ASC`,
		userID, projectID, sinceRevision)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]store.StoredRecord, 0)
	for rows.Next() {
		record := store.StoredRecord{ProjectId: projectID}
		err = rows.Scan(&record.Table, &record.Id, &record.Payload, &record.Deleted, &record.ClientRevision, &record.Revision, &record.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}
