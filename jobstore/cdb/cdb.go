package cdb

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/cockroachdb"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"golang.org/x/xerrors"

	"github.com/moratsam/imgqueue/jobstore"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var (
	jobColumns = `id, state, operation, source_ref, result_ref, error_detail, created_at, started_at, completed_at`

	insertJobQuery = `
INSERT INTO jobs (id, state, operation, source_ref, result_ref, error_detail, created_at, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	getJobQuery = `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`

	listJobsQuery = `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, id DESC LIMIT $1`

	transitionJobQuery = `
UPDATE jobs SET
	state=$3,
	result_ref=$4,
	error_detail=$5,
	started_at=COALESCE($6, started_at),
	completed_at=COALESCE($7, completed_at)
WHERE id=$1 AND state=$2
RETURNING ` + jobColumns

	// Compile-time check for ensuring CDBJobStore implements Store.
	_ jobstore.Store = (*CDBJobStore)(nil)
)

// CDBJobStore implements a job store that persists job records to a
// cockroachdb instance.
type CDBJobStore struct {
	db *sql.DB
}

// NewCDBJobStore returns a CDBJobStore instance that connects to the
// cockroachdb instance specified by dsn. The schema is brought up to date
// before the store is returned.
func NewCDBJobStore(dsn string) (*CDBJobStore, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &CDBJobStore{db: db}, nil
}

// Migrate applies any pending schema migrations to the database at dsn.
func Migrate(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return xerrors.Errorf("migrate: %w", err)
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		_ = db.Close()
		return xerrors.Errorf("migrate: load migrations: %w", err)
	}
	driver, err := cockroachdb.WithInstance(db, &cockroachdb.Config{})
	if err != nil {
		_ = db.Close()
		return xerrors.Errorf("migrate: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "cockroachdb", driver)
	if err != nil {
		_ = db.Close()
		return xerrors.Errorf("migrate: %w", err)
	}
	// Closing the migrator also closes db.
	defer func() { _, _ = m.Close() }()

	if err = m.Up(); err != nil && !xerrors.Is(err, migrate.ErrNoChange) {
		return xerrors.Errorf("migrate: apply: %w", err)
	}
	return nil
}

// Close terminates the connection to the backing cockroachdb instance.
func (s *CDBJobStore) Close() error {
	return s.db.Close()
}

// Create a new job.
func (s *CDBJobStore) Create(ctx context.Context, job *jobstore.Job) error {
	if err := jobstore.ValidateNew(job); err != nil {
		return xerrors.Errorf("create: %w", err)
	}

	op, err := json.Marshal(job.Operation)
	if err != nil {
		return xerrors.Errorf("create: encode operation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, insertJobQuery,
		job.ID,
		string(job.State),
		op,
		job.SourceRef,
		nullString(job.ResultRef),
		nullString(job.ErrorDetail),
		job.CreatedAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
	)
	if err != nil {
		if isUniqueViolationError(err) {
			return xerrors.Errorf("create %s: %w", job.ID, jobstore.ErrJobExists)
		}
		return xerrors.Errorf("create: %w", err)
	}
	return nil
}

// Get the job with the given id.
func (s *CDBJobStore) Get(ctx context.Context, id string) (*jobstore.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, getJobQuery, id))
	if err == sql.ErrNoRows {
		return nil, xerrors.Errorf("get %s: %w", id, jobstore.ErrNotFound)
	} else if err != nil {
		return nil, xerrors.Errorf("get: %w", err)
	}
	return job, nil
}

// Transition moves the job from the `from` state as described by upd. The
// state check and the update are a single statement, so concurrent callers
// racing for the same edge see exactly one winner.
func (s *CDBJobStore) Transition(ctx context.Context, id string, from jobstore.State, upd jobstore.Update) (*jobstore.Job, error) {
	if err := jobstore.ValidateTransition(from, upd); err != nil {
		return nil, xerrors.Errorf("transition: %w", err)
	}

	var startedAt, completedAt time.Time
	switch {
	case upd.State == jobstore.StateRunning:
		startedAt = upd.At
	case upd.State.Terminal():
		completedAt = upd.At
	}

	row := s.db.QueryRowContext(ctx, transitionJobQuery,
		id,
		string(from),
		string(upd.State),
		nullString(upd.ResultRef),
		nullString(upd.ErrorDetail),
		nullTime(startedAt),
		nullTime(completedAt),
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	} else if err != sql.ErrNoRows {
		return nil, xerrors.Errorf("transition: %w", err)
	}

	// Nothing was updated: either the job does not exist or it is not in
	// the expected state.
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("transition: %w", err)
	}
	return nil, xerrors.Errorf("transition: %w", jobstore.ConflictError(id, from, current.State))
}

// List returns up to limit jobs, most recently created first.
func (s *CDBJobStore) List(ctx context.Context, limit int) ([]*jobstore.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, listJobsQuery, limit)
	if err != nil {
		return nil, xerrors.Errorf("list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*jobstore.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Errorf("list: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err = rows.Err(); err != nil {
		return nil, xerrors.Errorf("list: %w", err)
	}
	return jobs, nil
}

// Ping checks that the database is reachable.
func (s *CDBJobStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return xerrors.Errorf("ping: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*jobstore.Job, error) {
	var (
		job                    jobstore.Job
		state                  string
		op                     []byte
		resultRef, errorDetail sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&state,
		&op,
		&job.SourceRef,
		&resultRef,
		&errorDetail,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(op, &job.Operation); err != nil {
		return nil, xerrors.Errorf("decode operation: %w", err)
	}

	job.State = jobstore.State(state)
	job.ResultRef = resultRef.String
	job.ErrorDetail = errorDetail.String
	job.CreatedAt = job.CreatedAt.UTC()
	if startedAt.Valid {
		job.StartedAt = startedAt.Time.UTC()
	}
	if completedAt.Valid {
		job.CompletedAt = completedAt.Time.UTC()
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

// Returns true if err indicates a unique constraint violation.
func isUniqueViolationError(err error) bool {
	pqErr, valid := err.(*pq.Error)
	if !valid {
		return false
	}
	return pqErr.Code.Name() == "unique_violation"
}
