package database

import "time"

// AuditLog is one recorded lifecycle event of a connection or terminal.
// Configurations and credentials are never stored.
type AuditLog struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionID string    `gorm:"not null;index;size:64" json:"connection_id"`
	TerminalID   string    `gorm:"index;size:64" json:"terminal_id,omitempty"`
	EventType    string    `gorm:"not null;index;size:32" json:"event_type"`
	Details      string    `gorm:"type:text" json:"details,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
