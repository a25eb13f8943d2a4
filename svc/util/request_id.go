package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the id stored by SetRequestID.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

// GetRequestID is RequestID with a fresh id when none is set.
func GetRequestID(ctx context.Context) string {
	if id, ok := RequestID(ctx); ok {
		return id
	}
	return NewRequestID()
}
func NewRequestID() string {
	return uuid.New().String()
}

// ValidRequestID accepts caller-supplied ids that are UUIDs.
func ValidRequestID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
