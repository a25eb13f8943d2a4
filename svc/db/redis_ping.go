package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Ping round-trips a short-lived key so a read-only replica fails readiness.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := "pastebook:health:" + uuid.NewString()
	if err := r.client.Set(ctx, key, "ok", 5*time.Second).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, key).Err()
}
