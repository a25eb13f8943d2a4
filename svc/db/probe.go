package db

import (
	"context"
)

// Prober answers schema questions against the live database. It satisfies
// schema.Prober.
type Prober struct {
	s *SQLite
}

func (s *SQLite) Prober() *Prober {
	return &Prober{s: s}
}
func (p *Prober) TableExists(ctx context.Context, table string) (bool, error) {
	if err := p.s.checkCircuit(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.s.queryTimeout)
	defer cancel()
	var n int
	err := p.s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
	).Scan(&n)
	p.s.recordError(err)
	if err != nil {
		return false, classify(err, "probe table")
	}
	return n > 0, nil
}
func (p *Prober) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	if err := p.s.checkCircuit(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.s.queryTimeout)
	defer cancel()
	var n int
	err := p.s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column,
	).Scan(&n)
	p.s.recordError(err)
	if err != nil {
		return false, classify(err, "probe column")
	}
	return n > 0, nil
}
