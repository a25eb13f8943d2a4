package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"pastebook/pkg/domain"
	"pastebook/svc/schema"
	"pastebook/svc/util"

	"github.com/pkg/errors"
)

const (
	styleFlat   = "flat"
	styleBlocks = "blocks"
)

// Repo reads and writes paste aggregates using the query shapes chosen by
// a capabilities snapshot. Optional columns missing from the snapshot are
// neither read nor written; writes needing them are rejected.
type Repo struct {
	s      *SQLite
	caps   schema.Capabilities
	blocks blockStore
	files  fileStore
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repo) Capabilities() schema.Capabilities {
	return r.caps
}
func (r *Repo) pasteColumns() []string {
	cols := []string{"id", "title", "content", "expires_at", "is_private", "is_editable", "created_at", "updated_at"}
	if r.caps.Alias {
		cols = append(cols, "alias")
	}
	if r.caps.Password {
		cols = append(cols, "password_hash")
	}
	if r.caps.ViewCount {
		cols = append(cols, "view_count")
	}
	if r.caps.Blocks {
		cols = append(cols, "style")
	}
	return cols
}
func (r *Repo) scanPaste(row rowScanner) (*domain.Paste, string, sql.NullString, error) {
	var (
		p       domain.Paste
		content sql.NullString
		expires sql.NullTime
		alias   sql.NullString
		hash    sql.NullString
		style   string
	)
	dest := []interface{}{&p.ID, &p.Title, &content, &expires, &p.IsPrivate, &p.IsEditable, &p.CreatedAt, &p.UpdatedAt}
	if r.caps.Alias {
		dest = append(dest, &alias)
	}
	if r.caps.Password {
		dest = append(dest, &hash)
	}
	if r.caps.ViewCount {
		dest = append(dest, &p.ViewCount)
	}
	if r.caps.Blocks {
		dest = append(dest, &style)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, "", content, err
	}
	if expires.Valid {
		t := expires.Time.UTC()
		p.ExpiresAt = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.Alias = alias.String
	p.PasswordHash = hash.String
	return &p, style, content, nil
}

// FindByID loads the paste with the given id, expired or not.
func (r *Repo) FindByID(ctx context.Context, id string) (*domain.Paste, error) {
	return r.findOne(ctx, "id = ?", domain.CanonicalID(id))
}

// FindByAlias loads the paste whose alias equals alias ignoring case.
func (r *Repo) FindByAlias(ctx context.Context, alias string) (*domain.Paste, error) {
	if !r.caps.Alias {
		return nil, domain.ErrPasteNotFound
	}
	return r.findOne(ctx, "lower(alias) = ?", domain.AliasKey(alias))
}
func (r *Repo) findOne(ctx context.Context, where string, arg interface{}) (*domain.Paste, error) {
	start := time.Now()
	defer r.s.normalizeResponseTime(start)
	var p *domain.Paste
	err := r.s.withReadTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		q := "SELECT " + strings.Join(r.pasteColumns(), ", ") + " FROM pastes WHERE " + where
		found, style, content, err := r.scanPaste(tx.QueryRowContext(ctx, q, arg))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrPasteNotFound
		}
		if err != nil {
			return err
		}
		if err := r.loadChildren(ctx, tx, found, style, content); err != nil {
			return err
		}
		p = found
		return nil
	})
	if err != nil {
		return nil, classify(err, "find paste")
	}
	return p, nil
}
func (r *Repo) loadChildren(ctx context.Context, q queryer, p *domain.Paste, style string, content sql.NullString) error {
	if style == styleBlocks {
		blocks, err := r.blocks.load(ctx, q, p.ID)
		if err != nil {
			return err
		}
		p.Content = domain.BlockContent(blocks)
		if err := p.Content.Check(); err != nil {
			util.Error().Str("paste_id", p.ID).Msg("block-style paste has no blocks")
			return err
		}
	} else {
		p.Content = domain.FlatContent(content.String)
	}
	files, err := r.files.load(ctx, q, p.ID)
	if err != nil {
		return err
	}
	p.Files = files
	return nil
}

// supports rejects writes the bare shape cannot store without losing data.
func (r *Repo) supports(p *domain.Paste) error {
	switch {
	case p.Alias != "" && !r.caps.Alias:
		return domain.ErrAliasUnsupported
	case p.Protected() && !r.caps.Password:
		return domain.ErrPasswordUnsupported
	case p.Content.Kind == domain.ContentBlocks && !r.caps.Blocks:
		return domain.ErrBlocksUnsupported
	case len(p.Files) > 0 && !r.caps.Files:
		return domain.ErrFilesUnsupported
	}
	return nil
}

// Create inserts p with its blocks and file rows in one transaction.
func (r *Repo) Create(ctx context.Context, p *domain.Paste) error {
	if err := r.supports(p); err != nil {
		return err
	}
	if err := p.Content.Check(); err != nil {
		return err
	}
	return r.s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if p.Alias != "" {
			var taken int
			err := tx.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM pastes WHERE lower(alias) = ?", domain.AliasKey(p.Alias),
			).Scan(&taken)
			if err != nil {
				return errors.Wrap(err, "check alias")
			}
			if taken > 0 {
				return domain.ErrAliasTaken
			}
		}
		cols := []string{"id", "title", "content", "expires_at", "is_private", "is_editable", "created_at", "updated_at"}
		args := []interface{}{p.ID, p.Title, flatText(p.Content), nullableTime(p.ExpiresAt), p.IsPrivate, p.IsEditable, p.CreatedAt.UTC(), p.UpdatedAt.UTC()}
		if r.caps.Alias {
			cols = append(cols, "alias")
			args = append(args, nullString(p.Alias))
		}
		if r.caps.Password {
			cols = append(cols, "password_hash")
			args = append(args, nullString(p.PasswordHash))
		}
		if r.caps.Blocks {
			cols = append(cols, "style")
			args = append(args, styleOf(p.Content))
		}
		q := "INSERT INTO pastes (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(cols)) + ")"
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return errors.Wrap(err, "insert paste")
		}
		if p.Content.Kind == domain.ContentBlocks {
			if err := r.blocks.replace(ctx, tx, p.ID, p.Content.Blocks); err != nil {
				return err
			}
		}
		return r.files.insert(ctx, tx, p.Files)
	})
}

// Update applies a title and/or body change to an editable, unexpired paste.
// A body change replaces the whole block set in the same transaction as the
// row update.
func (r *Repo) Update(ctx context.Context, id string, title *string, body *domain.Content, now time.Time) error {
	if body != nil {
		if body.Kind == domain.ContentBlocks && !r.caps.Blocks {
			return domain.ErrBlocksUnsupported
		}
		if err := body.Check(); err != nil {
			return err
		}
	}
	sets := []string{"updated_at = ?"}
	args := []interface{}{now.UTC()}
	if title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *title)
	}
	if body != nil {
		sets = append(sets, "content = ?")
		args = append(args, flatText(*body))
		if r.caps.Blocks {
			sets = append(sets, "style = ?")
			args = append(args, styleOf(*body))
		}
	}
	args = append(args, id, now.UTC())
	q := "UPDATE pastes SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND is_editable = 1 AND (expires_at IS NULL OR expires_at > ?)"
	return r.s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return errors.Wrap(err, "update paste")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrPasteNotFound
		}
		if body == nil {
			return nil
		}
		return r.blocks.replace(ctx, tx, id, body.Blocks)
	})
}

// IncrViews bumps the view counter. It is a no-op without the column.
func (r *Repo) IncrViews(ctx context.Context, id string) error {
	if !r.caps.ViewCount {
		return nil
	}
	if err := r.s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, r.s.queryTimeout)
	defer cancel()
	_, err := r.s.db.ExecContext(queryCtx, "UPDATE pastes SET view_count = view_count + 1 WHERE id = ?", id)
	r.s.recordError(err)
	return classify(err, "incr views")
}

// SetPasswordHash replaces the stored hash of a protected paste, used when
// an old hash is upgraded after a successful check.
func (r *Repo) SetPasswordHash(ctx context.Context, id, hash string) error {
	if !r.caps.Password {
		return nil
	}
	if err := r.s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, r.s.queryTimeout)
	defer cancel()
	_, err := r.s.db.ExecContext(queryCtx,
		"UPDATE pastes SET password_hash = ? WHERE id = ? AND password_hash IS NOT NULL", hash, id,
	)
	r.s.recordError(err)
	return classify(err, "set password hash")
}

// File loads one attachment of a paste including its stored bytes.
func (r *Repo) File(ctx context.Context, pasteID, fileID string) (*domain.File, error) {
	var f *domain.File
	err := r.s.withReadTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		f, err = r.files.get(ctx, tx, pasteID, fileID)
		return err
	})
	if err != nil {
		return nil, classify(err, "get file")
	}
	return f, nil
}

// PurgeExpired deletes up to limit pastes that expired before now and
// returns how many went plus the file rows they owned, so externally
// stored bytes can be removed too. Blocks and files rows cascade.
func (r *Repo) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, []domain.File, error) {
	var (
		deleted int
		files   []domain.File
	)
	err := r.s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT id FROM pastes WHERE expires_at IS NOT NULL AND expires_at <= ? LIMIT ?", now.UTC(), limit,
		)
		if err != nil {
			return errors.Wrap(err, "select expired")
		}
		var ids []interface{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errors.Wrap(err, "scan expired")
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "iterate expired")
		}
		if len(ids) == 0 {
			return nil
		}
		files, err = r.files.owned(ctx, tx, ids)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM pastes WHERE id IN ("+placeholders(len(ids))+")", ids...)
		if err != nil {
			return errors.Wrap(err, "delete expired")
		}
		n, _ := res.RowsAffected()
		deleted = int(n)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return deleted, files, nil
}
func flatText(c domain.Content) interface{} {
	if c.Kind == domain.ContentBlocks {
		return nil
	}
	return c.Text
}
func styleOf(c domain.Content) string {
	if c.Kind == domain.ContentBlocks {
		return styleBlocks
	}
	return styleFlat
}
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
func nullableTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
