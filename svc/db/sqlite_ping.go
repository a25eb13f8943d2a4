package db

import (
	"context"
)

// Ping checks that both pools answer a trivial query.
func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return err
	}
	return s.rdb.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
