package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/source"
	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement; Repository runs them on the pool and Tx
// inside a transaction.
type queries struct {
	q querier
}

// Repository provides database operations for packages, builds and files
type Repository struct {
	queries
	db *sql.DB
}

// Tx is a Repository view bound to one transaction.
type Tx struct {
	queries
	tx *sql.Tx
}

// NewRepository opens (creating if needed) the SQLite database at dbPath.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One connection serialises writers; transactions never issue queries
	// outside their own Tx.
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{queries: queries{q: db}, db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{queries: queries{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// CreatePackage inserts a new package record
func (s queries) CreatePackage(ctx context.Context, p *Package) error {
	slog.Info("database_create_package", "name", p.Name, "source", sourceKind(p.Source))

	kind, data, err := source.Marshal(p.Source)
	if err != nil {
		return errors.E(errors.KindInvalid, "create package", err)
	}
	platforms, _ := json.Marshal(nonNil(p.Platforms))
	flags, _ := json.Marshal(nonNil(p.BuildFlags))
	if p.Status == "" {
		p.Status = PackageEnqueued
	}

	result, err := s.q.ExecContext(ctx, `
		INSERT INTO packages (name, status, out_of_date, platforms, build_flags, source_type, source_data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.Name, p.Status, p.OutOfDate, string(platforms), string(flags), string(kind), data)
	if err != nil {
		slog.Error("database_insert_failed", "name", p.Name, "error", err)
		return errors.Wrap(err, "failed to insert package")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	p.ID = id

	slog.Info("database_package_created", "name", p.Name, "package_id", p.ID)
	return nil
}

const packageColumns = `id, name, status, out_of_date, platforms, build_flags, source_type, source_data, latest_build, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPackage(row scanner) (*Package, error) {
	var (
		p               Package
		platforms, flag string
		kind, data      string
		latest          sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Status, &p.OutOfDate, &platforms, &flag,
		&kind, &data, &latest, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(platforms), &p.Platforms); err != nil {
		return nil, errors.Wrap(err, "corrupt platforms column")
	}
	if err := json.Unmarshal([]byte(flag), &p.BuildFlags); err != nil {
		return nil, errors.Wrap(err, "corrupt build_flags column")
	}
	src, err := source.Unmarshal(source.Kind(kind), data)
	if err != nil {
		return nil, err
	}
	p.Source = src
	p.LatestBuild = latest.Int64
	return &p, nil
}

// GetPackage retrieves a package by id; nil when absent.
func (s queries) GetPackage(ctx context.Context, id int64) (*Package, error) {
	p, err := scanPackage(s.q.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		slog.Info("database_package_not_found", "package_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "package_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query package")
	}
	return p, nil
}

// GetPackageByName retrieves a package by name; nil when absent.
func (s queries) GetPackageByName(ctx context.Context, name string) (*Package, error) {
	p, err := scanPackage(s.q.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "name", name, "error", err)
		return nil, errors.Wrap(err, "failed to query package")
	}
	return p, nil
}

// ListPackages retrieves all packages ordered by name
func (s queries) ListPackages(ctx context.Context) ([]*Package, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+packageColumns+` FROM packages ORDER BY name`)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list packages")
	}
	defer rows.Close()

	var pkgs []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		pkgs = append(pkgs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return pkgs, nil
}

// SetPackageStatus updates only the status field
func (s queries) SetPackageStatus(ctx context.Context, id int64, status string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE packages SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	return errors.Wrap(err, "failed to update package status")
}

// SetOutOfDate flags a package for rebuild. A successful build clears it.
func (s queries) SetOutOfDate(ctx context.Context, id int64, outOfDate bool) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE packages SET out_of_date = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, outOfDate, id)
	return errors.Wrap(err, "failed to update out_of_date")
}

// DeletePackage deletes a package; builds and file links cascade.
func (s queries) DeletePackage(ctx context.Context, id int64) error {
	slog.Info("database_delete_package", "package_id", id)
	if _, err := s.q.ExecContext(ctx, `DELETE FROM packages WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "package_id", id, "error", err)
		return errors.Wrap(err, "failed to delete package")
	}
	return nil
}

// CreateBuild inserts an enqueued build and points the package at it.
func (s queries) CreateBuild(ctx context.Context, b *Build) error {
	b.Status = BuildEnqueued
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO builds (pkg_id, platform, status) VALUES (?, ?, ?)`, b.PackageID, b.Platform, b.Status)
	if err != nil {
		slog.Error("database_insert_failed", "package_id", b.PackageID, "error", err)
		return errors.Wrap(err, "failed to insert build")
	}
	if b.ID, err = result.LastInsertId(); err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	if _, err := s.q.ExecContext(ctx, `
		UPDATE packages SET latest_build = ?, status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, b.ID, PackageEnqueued, b.PackageID); err != nil {
		return errors.Wrap(err, "failed to update latest build")
	}

	slog.Info("database_build_created", "build_id", b.ID, "package_id", b.PackageID, "platform", b.Platform)
	return nil
}

const buildColumns = `id, pkg_id, platform, status, start_time, end_time, output, version`

func scanBuild(row scanner) (*Build, error) {
	var (
		b          Build
		start, end sql.NullInt64
	)
	if err := row.Scan(&b.ID, &b.PackageID, &b.Platform, &b.Status, &start, &end, &b.Output, &b.Version); err != nil {
		return nil, err
	}
	b.StartTime = fromUnix(start)
	b.EndTime = fromUnix(end)
	return &b, nil
}

// GetBuild retrieves a build by id; nil when absent.
func (s queries) GetBuild(ctx context.Context, id int64) (*Build, error) {
	b, err := scanBuild(s.q.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "build_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query build")
	}
	return b, nil
}

// ListBuilds returns a package's builds, newest first. pkgID 0 lists all.
func (s queries) ListBuilds(ctx context.Context, pkgID int64) ([]*Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds`
	var args []any
	if pkgID != 0 {
		query += ` WHERE pkg_id = ?`
		args = append(args, pkgID)
	}
	rows, err := s.q.QueryContext(ctx, query+` ORDER BY id DESC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list builds")
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		builds = append(builds, b)
	}
	return builds, errors.Wrap(rows.Err(), "rows error")
}

// MarkActive flips package and build to active and records the start time.
func (s queries) MarkActive(ctx context.Context, pkgID, buildID int64, at time.Time) error {
	slog.Info("database_mark_active", "package_id", pkgID, "build_id", buildID)
	if _, err := s.q.ExecContext(ctx,
		`UPDATE builds SET status = ?, start_time = ? WHERE id = ?`, BuildActive, at.Unix(), buildID); err != nil {
		return errors.Wrap(err, "failed to mark build active")
	}
	return s.SetPackageStatus(ctx, pkgID, PackageActive)
}

// FinishBuild records the terminal status and end time of a build and its
// package.
func (s queries) FinishBuild(ctx context.Context, pkgID, buildID int64, buildStatus, pkgStatus string, at time.Time) error {
	slog.Info("database_finish_build", "build_id", buildID, "status", buildStatus)
	if _, err := s.q.ExecContext(ctx,
		`UPDATE builds SET status = ?, end_time = ? WHERE id = ?`, buildStatus, at.Unix(), buildID); err != nil {
		return errors.Wrap(err, "failed to finish build")
	}
	if pkgStatus == PackageSuccessful {
		if err := s.SetOutOfDate(ctx, pkgID, false); err != nil {
			return err
		}
	}
	return s.SetPackageStatus(ctx, pkgID, pkgStatus)
}

// CancelBuild marks a build cancelled.
func (s queries) CancelBuild(ctx context.Context, buildID int64, at time.Time) error {
	slog.Info("database_cancel_build", "build_id", buildID)
	result, err := s.q.ExecContext(ctx,
		`UPDATE builds SET status = ?, end_time = ? WHERE id = ?`, BuildCancelled, at.Unix(), buildID)
	if err != nil {
		return errors.Wrap(err, "failed to cancel build")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("build not found: id=%d", buildID)
	}
	return nil
}

// AppendBuildLog appends text to the build's accumulated output.
func (s queries) AppendBuildLog(ctx context.Context, buildID int64, text string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE builds SET output = output || ? WHERE id = ?`, text, buildID)
	return errors.Wrap(err, "failed to append build log")
}

// SetBuildVersion records the version the build produced.
func (s queries) SetBuildVersion(ctx context.Context, buildID int64, version string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE builds SET version = ? WHERE id = ?`, version, buildID)
	return errors.Wrap(err, "failed to set build version")
}

func fromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func sourceKind(s source.Source) source.Kind {
	if s == nil {
		return ""
	}
	return s.Kind()
}
