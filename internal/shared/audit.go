package shared

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64          `json:"actor_id"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
	At       time.Time      `json:"at"`
}

func (log AuditLog) validate() error {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	return nil
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}

// List returns the trail of one entity in occurrence order.
func (l *AuditLogger) List(ctx context.Context, entity, entityID string) ([]AuditLog, error) {
	if l == nil {
		return nil, errors.New("audit logger not initialised")
	}
	rows, err := l.pool.Query(ctx, `SELECT actor_id, action, entity, entity_id, meta, occurred_at
FROM audit_logs WHERE entity=$1 AND entity_id=$2 ORDER BY occurred_at ASC, id ASC`, entity, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []AuditLog
	for rows.Next() {
		var (
			log  AuditLog
			meta []byte
		)
		if err := rows.Scan(&log.ActorID, &log.Action, &log.Entity, &log.EntityID, &meta, &log.At); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &log.Meta); err != nil {
				return nil, err
			}
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// MemoryAuditLog keeps audit records in process.
type MemoryAuditLog struct {
	mu   sync.Mutex
	logs []AuditLog
	now  func() time.Time
}

// NewMemoryAuditLog returns an empty in-memory audit trail.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{now: time.Now}
}

// Record appends the log entry.
func (m *MemoryAuditLog) Record(_ context.Context, log AuditLog) error {
	if err := log.validate(); err != nil {
		return err
	}
	if log.At.IsZero() {
		log.At = m.now()
	}
	m.mu.Lock()
	m.logs = append(m.logs, log)
	m.mu.Unlock()
	return nil
}

// List returns the trail of one entity in occurrence order.
func (m *MemoryAuditLog) List(_ context.Context, entity, entityID string) ([]AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditLog
	for _, log := range m.logs {
		if log.Entity == entity && log.EntityID == entityID {
			out = append(out, log)
		}
	}
	return out, nil
}
