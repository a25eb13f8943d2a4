package db

import (
	"context"

	"pastebook/pkg/domain"

	"github.com/pkg/errors"
)

type blockStore interface {
	load(ctx context.Context, q queryer, pasteID string) ([]domain.Block, error)
	replace(ctx context.Context, q queryer, pasteID string, blocks []domain.Block) error
}

// tableBlocks stores blocks in the blocks table.
type tableBlocks struct{}

func (tableBlocks) load(ctx context.Context, q queryer, pasteID string) ([]domain.Block, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, content, language, position FROM blocks WHERE paste_id = ? ORDER BY position", pasteID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "load blocks")
	}
	defer rows.Close()
	var out []domain.Block
	for rows.Next() {
		var b domain.Block
		if err := rows.Scan(&b.ID, &b.Content, &b.Language, &b.Order); err != nil {
			return nil, errors.Wrap(err, "scan block")
		}
		out = append(out, b)
	}
	return out, errors.Wrap(rows.Err(), "iterate blocks")
}

// replace deletes the paste's block set and inserts blocks in its place.
// An id already owned by another paste's block is swapped for a fresh one
// and written back into blocks.
func (tableBlocks) replace(ctx context.Context, q queryer, pasteID string, blocks []domain.Block) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM blocks WHERE paste_id = ?", pasteID); err != nil {
		return errors.Wrap(err, "delete blocks")
	}
	const ins = `INSERT INTO blocks (id, paste_id, content, language, position) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	for i := range blocks {
		b := &blocks[i]
		for attempt := 0; ; attempt++ {
			res, err := q.ExecContext(ctx, ins, b.ID, pasteID, b.Content, b.Language, i)
			if err != nil {
				return errors.Wrap(err, "insert block")
			}
			if n, _ := res.RowsAffected(); n == 1 {
				break
			}
			if attempt >= 3 {
				return errors.New("could not allocate block id")
			}
			b.ID = domain.NewID()
		}
		b.Order = i
	}
	return nil
}

// noBlocks is the shape for schemas without a blocks table: every paste is
// flat and block writes are refused.
type noBlocks struct{}

func (noBlocks) load(ctx context.Context, q queryer, pasteID string) ([]domain.Block, error) {
	return nil, nil
}
func (noBlocks) replace(ctx context.Context, q queryer, pasteID string, blocks []domain.Block) error {
	if len(blocks) > 0 {
		return domain.ErrBlocksUnsupported
	}
	return nil
}
