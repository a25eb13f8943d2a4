package db

import (
	"context"
	"database/sql"
	"strings"

	"pastebook/pkg/domain"

	"github.com/pkg/errors"
)

type fileStore interface {
	load(ctx context.Context, q queryer, pasteID string) ([]domain.File, error)
	get(ctx context.Context, q queryer, pasteID, fileID string) (*domain.File, error)
	insert(ctx context.Context, q queryer, files []domain.File) error
	owned(ctx context.Context, q queryer, pasteIDs []interface{}) ([]domain.File, error)
}

const fileMetaColumns = "id, paste_id, original_name, mime_type, size, blob_key, sealed_dek, created_at"

type tableFiles struct{}

func scanFileMeta(row rowScanner, f *domain.File) error {
	var key sql.NullString
	if err := row.Scan(&f.ID, &f.PasteID, &f.OriginalName, &f.MimeType, &f.Size, &key, &f.SealedDEK, &f.CreatedAt); err != nil {
		return err
	}
	f.BlobKey = key.String
	f.CreatedAt = f.CreatedAt.UTC()
	return nil
}
func (tableFiles) list(ctx context.Context, q queryer, query string, args ...interface{}) ([]domain.File, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "load files")
	}
	defer rows.Close()
	var out []domain.File
	for rows.Next() {
		var f domain.File
		if err := scanFileMeta(rows, &f); err != nil {
			return nil, errors.Wrap(err, "scan file")
		}
		out = append(out, f)
	}
	return out, errors.Wrap(rows.Err(), "iterate files")
}
func (t tableFiles) load(ctx context.Context, q queryer, pasteID string) ([]domain.File, error) {
	return t.list(ctx, q, "SELECT "+fileMetaColumns+" FROM files WHERE paste_id = ? ORDER BY created_at, id", pasteID)
}
func (t tableFiles) owned(ctx context.Context, q queryer, pasteIDs []interface{}) ([]domain.File, error) {
	return t.list(ctx, q, "SELECT "+fileMetaColumns+" FROM files WHERE paste_id IN ("+placeholders(len(pasteIDs))+")", pasteIDs...)
}
func (tableFiles) get(ctx context.Context, q queryer, pasteID, fileID string) (*domain.File, error) {
	var (
		f       domain.File
		key     sql.NullString
		content []byte
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, paste_id, original_name, mime_type, size, blob_key, sealed_dek, created_at, content FROM files WHERE paste_id = ? AND id = ?",
		pasteID, strings.ToLower(fileID),
	).Scan(&f.ID, &f.PasteID, &f.OriginalName, &f.MimeType, &f.Size, &key, &f.SealedDEK, &f.CreatedAt, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFileNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get file")
	}
	f.BlobKey = key.String
	f.CreatedAt = f.CreatedAt.UTC()
	f.Inline = content
	return &f, nil
}
func (tableFiles) insert(ctx context.Context, q queryer, files []domain.File) error {
	for _, f := range files {
		_, err := q.ExecContext(ctx,
			`INSERT INTO files (id, paste_id, original_name, mime_type, size, content, blob_key, sealed_dek, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.PasteID, f.OriginalName, f.MimeType, f.Size, f.Inline, nullString(f.BlobKey), f.SealedDEK, f.CreatedAt.UTC(),
		)
		if err != nil {
			return errors.Wrapf(err, "insert file %s", f.ID)
		}
	}
	return nil
}

// noFiles is the shape for schemas without a files table.
type noFiles struct{}

func (noFiles) load(ctx context.Context, q queryer, pasteID string) ([]domain.File, error) {
	return nil, nil
}
func (noFiles) get(ctx context.Context, q queryer, pasteID, fileID string) (*domain.File, error) {
	return nil, domain.ErrFileNotFound
}
func (noFiles) insert(ctx context.Context, q queryer, files []domain.File) error {
	if len(files) > 0 {
		return domain.ErrFilesUnsupported
	}
	return nil
}
func (noFiles) owned(ctx context.Context, q queryer, pasteIDs []interface{}) ([]domain.File, error) {
	return nil, nil
}
