package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lendcore/core/events"
)

// EventRow is the persisted form of an emitted engine event.
type EventRow struct {
	ID           uint      `gorm:"primaryKey"`
	EventID      string    `gorm:"size:36;uniqueIndex"`
	Type         string    `gorm:"size:64;index"`
	Account      string    `gorm:"size:128;index"`
	Counterparty string    `gorm:"size:128;index"`
	Token        string    `gorm:"size:64;index"`
	Attributes   string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"index"`
}

// TableName pins the table name across drivers.
func (EventRow) TableName() string { return "lending_events" }

// StoredEvent is an event read back from the store.
type StoredEvent struct {
	ID        string            `json:"id"`
	Seq       uint              `json:"seq"`
	Type      string            `json:"type"`
	CreatedAt time.Time         `json:"createdAt"`
	Attrs     map[string]string `json:"attributes"`
}

// Record returns the flattened event.
func (e StoredEvent) Record() *events.Record {
	return &events.Record{Type: e.Type, Attributes: e.Attrs}
}

// Filter narrows a query. Account matches both the subject and the
// counterparty (liquidator) of an event.
type Filter struct {
	Account string
	Types   []string
	AfterID uint
	Since   time.Time
	Limit   int
}

const maxLimit = 1000

// Store appends events to a relational database through gorm.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the configured driver ("sqlite" or "postgres") and
// migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("eventstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("eventstore: db required")
	}
	if err := db.AutoMigrate(&EventRow{}); err != nil {
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}
	return &Store{db: db, logger: slog.Default(), now: time.Now}, nil
}

// SetLogger replaces the logger used for failed appends.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter. Failures are logged because the batch that
// produced the event has already committed.
func (s *Store) Emit(ev events.Event) {
	if _, err := s.Append(context.Background(), ev); err != nil {
		s.logger.Error("event append failed", "type", ev.EventType(), "error", err)
	}
}

// Append persists ev and returns its stored form.
func (s *Store) Append(ctx context.Context, ev events.Event) (StoredEvent, error) {
	recordable, ok := ev.(events.Recordable)
	if !ok {
		return StoredEvent{}, fmt.Errorf("eventstore: %s has no record form", ev.EventType())
	}
	rec := recordable.Record()
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return StoredEvent{}, err
	}
	row := EventRow{
		EventID:      uuid.NewString(),
		Type:         rec.Type,
		Account:      rec.Attributes["account"],
		Counterparty: rec.Attributes["liquidator"],
		Token:        rec.Attributes["token"],
		Attributes:   string(attrs),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return StoredEvent{}, fmt.Errorf("eventstore: append: %w", err)
	}
	return toStored(row)
}

// Query returns events matching f in insertion order.
func (s *Store) Query(ctx context.Context, f Filter) ([]StoredEvent, error) {
	q := s.db.WithContext(ctx).Model(&EventRow{})
	if f.Account != "" {
		q = q.Where("account = ? OR counterparty = ?", f.Account, f.Account)
	}
	if len(f.Types) > 0 {
		q = q.Where("type IN ?", f.Types)
	}
	if f.AfterID > 0 {
		q = q.Where("id > ?", f.AfterID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	limit := f.Limit
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	var rows []EventRow
	if err := q.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	out := make([]StoredEvent, 0, len(rows))
	for _, row := range rows {
		stored, err := toStored(row)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

func toStored(row EventRow) (StoredEvent, error) {
	attrs := map[string]string{}
	if row.Attributes != "" {
		if err := json.Unmarshal([]byte(row.Attributes), &attrs); err != nil {
			return StoredEvent{}, fmt.Errorf("eventstore: decode attributes of %s: %w", row.EventID, err)
		}
	}
	return StoredEvent{ID: row.EventID, Seq: row.ID, Type: row.Type, CreatedAt: row.CreatedAt, Attrs: attrs}, nil
}
