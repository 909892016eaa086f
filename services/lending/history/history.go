// Package history keeps a queryable log of pool activity in a SQL database
// and exports it to parquet for offline analysis.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stxlend/core/events"
	"stxlend/core/types"
	"stxlend/native/lending"
)

// Activity is one pool event as seen by one participant.
type Activity struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type       string    `gorm:"index"`
	Address    string    `gorm:"index"`
	Role       string
	LoanID     uint64 `gorm:"index"`
	Asset      string
	Amount     string
	Height     uint64 `gorm:"index"`
	Attributes string
	CreatedAt  time.Time
}

// BeforeCreate assigns a UUID when none was set.
func (a *Activity) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Store persists activity rows.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to dsn. postgres:// URLs and key=value DSNs containing
// host= use PostgreSQL; anything else is treated as a SQLite DSN or path.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("history: dsn required")
	}
	var dialector gorm.Dialector
	if isPostgres(trimmed) {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	return New(db, log)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB, log *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("history: database required")
	}
	if err := db.AutoMigrate(&Activity{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, logger: log, now: time.Now}, nil
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var partyRoles = []string{"lender", "borrower", "liquidator", "recipient", "to"}

var amountKeys = []string{"amount", "borrowed", "principal", "debt"}

// Rows expands an event into one activity per participant. Pool-wide events
// without a participant produce a single row with an empty address.
func Rows(evt *types.Event, recorded time.Time) []Activity {
	if evt == nil {
		return nil
	}
	base := Activity{
		Type:      evt.Type,
		Asset:     evt.Attr("asset"),
		CreatedAt: recorded.UTC(),
	}
	if raw, err := json.Marshal(evt.Attributes); err == nil {
		base.Attributes = string(raw)
	}
	if id, err := strconv.ParseUint(evt.Attr("loanId"), 10, 64); err == nil {
		base.LoanID = id
	}
	if h, err := strconv.ParseUint(evt.Attr("height"), 10, 64); err == nil {
		base.Height = h
	}
	for _, key := range amountKeys {
		if v := evt.Attr(key); v != "" {
			base.Amount = v
			break
		}
	}
	var rows []Activity
	for _, role := range partyRoles {
		addr := evt.Attr(role)
		if addr == "" {
			continue
		}
		row := base
		row.Address = addr
		row.Role = role
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		rows = append(rows, base)
	}
	return rows
}

// Record stores the rows derived from evt.
func (s *Store) Record(ctx context.Context, evt *types.Event) error {
	rows := Rows(evt, s.now())
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("history: record %s: %w", evt.Type, err)
	}
	return nil
}

// Filter narrows a listing or export. Zero values match everything.
type Filter struct {
	Address    string
	Type       string
	FromHeight uint64
	ToHeight   uint64
	Limit      int
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.Address != "" {
		q = q.Where("address = ?", f.Address)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.FromHeight > 0 {
		q = q.Where("height >= ?", f.FromHeight)
	}
	if f.ToHeight > 0 {
		q = q.Where("height <= ?", f.ToHeight)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return q
}

// List returns matching activity, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Activity, error) {
	var out []Activity
	q := f.apply(s.db.WithContext(ctx).Model(&Activity{})).Order("height DESC").Order("created_at DESC")
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return out, nil
}

// ListByAddress returns up to limit rows involving address, newest first.
func (s *Store) ListByAddress(ctx context.Context, address string, limit int) ([]Activity, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("history: address required")
	}
	return s.List(ctx, Filter{Address: address, Limit: limit})
}

// Emit implements events.Emitter so the store can subscribe to the lending
// service. Write failures are logged; they never affect the pool.
func (s *Store) Emit(evt events.Event) {
	typed, ok := evt.(events.Typed)
	if !ok {
		return
	}
	payload := typed.Event()
	if payload == nil || !recorded(payload.Type) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Record(ctx, payload); err != nil {
		s.logger.Error("history write failed", slog.String("type", payload.Type), slog.Any("error", err))
	}
}

func recorded(eventType string) bool {
	return strings.HasPrefix(eventType, "lending.") || eventType == events.TypeAssetCredited
}

var _ events.Emitter = (*Store)(nil)

// lendingTypes lists the pool event types, for callers validating filters.
var lendingTypes = []string{
	lending.EventTypeDeposited,
	lending.EventTypeWithdrawn,
	lending.EventTypeLoanOpened,
	lending.EventTypeLoanRepaid,
	lending.EventTypeLoanLiquidated,
	lending.EventTypeRevenueWithdrawn,
	lending.EventTypePauseUpdated,
	lending.EventTypeCapsUpdated,
	events.TypeAssetCredited,
}

// KnownType reports whether eventType is recorded by the store.
func KnownType(eventType string) bool {
	for _, t := range lendingTypes {
		if t == eventType {
			return true
		}
	}
	return false
}
