package domain

import (
	"context"
	"time"
)

// AuditEntry is one operator-relevant event such as a trading halt.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditLog records operator-relevant events.
type AuditLog interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	Recent(ctx context.Context, limit int) ([]AuditEntry, error)
}
