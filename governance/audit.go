package governance

import (
	"context"
	"sync"
	"time"

	"github.com/frauddetection/ruleservice/internal/logger"
)

// AuditEvent records one governance action after it committed. Audit
// storage itself lives outside this service; sinks here only buffer or
// forward.
type AuditEvent struct {
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityKind string    `json:"entityKind"`
	EntityID   string    `json:"entityId"`
	Detail     string    `json:"detail"`
	At         time.Time `json:"at"`
}

// AuditTrail receives governance events. Implementations must tolerate
// concurrent calls.
type AuditTrail interface {
	Record(ctx context.Context, event AuditEvent)
}

// MemoryAuditTrail keeps the most recent events in a bounded ring.
type MemoryAuditTrail struct {
	mu     sync.Mutex
	events []AuditEvent
	limit  int
}

// NewMemoryAuditTrail creates a trail retaining at most limit events.
func NewMemoryAuditTrail(limit int) *MemoryAuditTrail {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryAuditTrail{limit: limit}
}

func (t *MemoryAuditTrail) Record(ctx context.Context, event AuditEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = append(t.events, event)
	if len(t.events) > t.limit {
		t.events = t.events[len(t.events)-t.limit:]
	}
}

// Events returns a copy of the buffered events, oldest first.
func (t *MemoryAuditTrail) Events() []AuditEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]AuditEvent(nil), t.events...)
}

// LogAuditTrail forwards events to the structured log, where an
// external collector picks them up.
type LogAuditTrail struct{}

func NewLogAuditTrail() *LogAuditTrail {
	return &LogAuditTrail{}
}

func (t *LogAuditTrail) Record(ctx context.Context, event AuditEvent) {
	logger.Info("audit event",
		"actor", event.Actor,
		"action", event.Action,
		"entityKind", event.EntityKind,
		"entityId", event.EntityID,
		"detail", event.Detail,
		"at", event.At,
	)
}
