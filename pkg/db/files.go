package db

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/aurcache/aurcache/pkg/errors"
)

// FindOrCreateFile returns the file row for filename on platform, inserting
// it when missing. Identical filenames are the same artifact.
func (s queries) FindOrCreateFile(ctx context.Context, filename, platform string) (*File, bool, error) {
	f := File{Filename: filename, Platform: platform}
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM files WHERE filename = ? AND platform = ?`, filename, platform).Scan(&f.ID)
	if err == nil {
		return &f, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, errors.Wrap(err, "failed to query file")
	}

	result, err := s.q.ExecContext(ctx, `INSERT INTO files (filename, platform) VALUES (?, ?)`, filename, platform)
	if err != nil {
		slog.Error("database_insert_failed", "filename", filename, "error", err)
		return nil, false, errors.Wrap(err, "failed to insert file")
	}
	if f.ID, err = result.LastInsertId(); err != nil {
		return nil, false, errors.Wrap(err, "failed to get last insert id")
	}
	slog.Info("database_file_created", "file_id", f.ID, "filename", filename, "platform", platform)
	return &f, true, nil
}

// LinkPackageFile links a package to a file. Existing links are kept.
func (s queries) LinkPackageFile(ctx context.Context, pkgID, fileID int64) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO packages_files (package_id, file_id) VALUES (?, ?)`, pkgID, fileID)
	return errors.Wrap(err, "failed to link package file")
}

// UnlinkPackageFile removes one package's link to a file.
func (s queries) UnlinkPackageFile(ctx context.Context, pkgID, fileID int64) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM packages_files WHERE package_id = ? AND file_id = ?`, pkgID, fileID)
	return errors.Wrap(err, "failed to unlink package file")
}

// PackageFiles returns the files a package links to on platform.
func (s queries) PackageFiles(ctx context.Context, pkgID int64, platform string) ([]File, error) {
	return s.files(ctx, `
		SELECT f.id, f.filename, f.platform FROM files f
		JOIN packages_files pf ON pf.file_id = f.id
		WHERE pf.package_id = ? AND f.platform = ?
		ORDER BY f.id
	`, pkgID, platform)
}

// AllPackageFiles returns the files a package links to on every platform.
func (s queries) AllPackageFiles(ctx context.Context, pkgID int64) ([]File, error) {
	return s.files(ctx, `
		SELECT f.id, f.filename, f.platform FROM files f
		JOIN packages_files pf ON pf.file_id = f.id
		WHERE pf.package_id = ?
		ORDER BY f.id
	`, pkgID)
}

// ListFiles returns every file row.
func (s queries) ListFiles(ctx context.Context) ([]File, error) {
	return s.files(ctx, `SELECT id, filename, platform FROM files ORDER BY platform, filename`)
}

// UnlinkedFiles returns file rows no package references.
func (s queries) UnlinkedFiles(ctx context.Context) ([]File, error) {
	return s.files(ctx, `
		SELECT f.id, f.filename, f.platform FROM files f
		WHERE NOT EXISTS (SELECT 1 FROM packages_files pf WHERE pf.file_id = f.id)
		ORDER BY f.id
	`)
}

func (s queries) files(ctx context.Context, query string, args ...any) ([]File, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query files")
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.Filename, &f.Platform); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		out = append(out, f)
	}
	return out, errors.Wrap(rows.Err(), "rows error")
}

// Dependents returns the ids of packages other than pkgID linked to fileID.
func (s queries) Dependents(ctx context.Context, fileID, pkgID int64) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT package_id FROM packages_files WHERE file_id = ? AND package_id != ? ORDER BY package_id`, fileID, pkgID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query dependents")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "rows error")
}

// CountLinks returns how many packages reference fileID.
func (s queries) CountLinks(ctx context.Context, fileID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages_files WHERE file_id = ?`, fileID).Scan(&n)
	return n, errors.Wrap(err, "failed to count links")
}

// CountAllLinks returns the number of package-file links.
func (s queries) CountAllLinks(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages_files`).Scan(&n)
	return n, errors.Wrap(err, "failed to count links")
}

// RepointLinks moves the links of pkgIDs from one file to another. A package
// that already links to the target keeps that link and loses the old one.
func (s queries) RepointLinks(ctx context.Context, fromFileID, toFileID int64, pkgIDs []int64) error {
	for _, pkgID := range pkgIDs {
		if _, err := s.q.ExecContext(ctx,
			`UPDATE OR IGNORE packages_files SET file_id = ? WHERE file_id = ? AND package_id = ?`,
			toFileID, fromFileID, pkgID); err != nil {
			return errors.Wrap(err, "failed to repoint link")
		}
		if err := s.UnlinkPackageFile(ctx, pkgID, fromFileID); err != nil {
			return err
		}
	}
	slog.Info("database_links_repointed", "from_file_id", fromFileID, "to_file_id", toFileID, "packages", len(pkgIDs))
	return nil
}

// DeleteFile deletes a file row.
func (s queries) DeleteFile(ctx context.Context, fileID int64) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		slog.Error("database_delete_failed", "file_id", fileID, "error", err)
		return errors.Wrap(err, "failed to delete file")
	}
	return nil
}
