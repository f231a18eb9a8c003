package sshaudit

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/sshevents"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Event types stored in the audit log.
const (
	EventConnectionEstablished = "connection_established"
	EventConnectionTerminated  = "connection_terminated"
	EventConnectionError       = "connection_error"
	EventTerminalSessionStart  = "terminal_session_start"
	EventTerminalSessionEnd    = "terminal_session_end"
	EventTerminalResized       = "terminal_resized"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

var eventTypes = map[sshevents.EventType]string{
	sshevents.EventConnected:       EventConnectionEstablished,
	sshevents.EventDisconnected:    EventConnectionTerminated,
	sshevents.EventError:           EventConnectionError,
	sshevents.EventTerminalCreated: EventTerminalSessionStart,
	sshevents.EventTerminalClosed:  EventTerminalSessionEnd,
	sshevents.EventTerminalResized: EventTerminalResized,
}

// Auditor provides methods for recording and querying audit logs.
// It writes records to the database and also emits log lines for
// observability.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates an Auditor that writes to db, migrating the audit table
// if needed. If retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := db.AutoMigrate(&database.AuditLog{}); err != nil {
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}, nil
}

// Record stores ev. Data events and unknown types are ignored and reported as
// not recorded.
func (a *Auditor) Record(ev sshevents.Event) (bool, error) {
	eventType, ok := eventTypes[ev.Type]
	if !ok {
		return false, nil
	}

	details := ev.Message
	if ev.Type == sshevents.EventTerminalResized {
		details = fmt.Sprintf("%dx%d", ev.Cols, ev.Rows)
	}
	created := ev.Timestamp
	if created.IsZero() {
		created = a.nowFn()
	}

	record := database.AuditLog{
		ConnectionID: ev.ConnectionID,
		TerminalID:   ev.TerminalID,
		EventType:    eventType,
		Details:      details,
		CreatedAt:    created,
	}

	a.mu.Lock()
	err := a.db.Create(&record).Error
	a.mu.Unlock()
	if err != nil {
		log.Printf("[ssh-audit] failed to write audit log: %v", err)
		return false, err
	}

	log.Printf("[ssh-audit] %s connection=%s terminal=%s details=%s",
		eventType,
		logging.Sanitize(ev.ConnectionID),
		logging.Sanitize(ev.TerminalID),
		logging.Sanitize(details),
	)
	return true, nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	ConnectionID string
	TerminalID   string
	EventType    string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.AuditLog{})

	if opts.ConnectionID != "" {
		tx = tx.Where("connection_id = ?", opts.ConnectionID)
	}
	if opts.TerminalID != "" {
		tx = tx.Where("terminal_id = ?", opts.TerminalID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or older than the configured
// retention period when days is 0. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[ssh-audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[ssh-audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// ScheduleRetention starts a cron job that purges expired entries on
// schedule (standard cron expression or descriptor such as "@daily"). The caller
// stops the returned scheduler.
func (a *Auditor) ScheduleRetention(schedule string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := a.PurgeOlderThan(0); err != nil {
			log.Printf("[ssh-audit] scheduled purge: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("parse audit purge schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Printf("[ssh-audit] retention purge scheduled (%s, keep %d days)", schedule, a.retentionDays)
	return c, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
