package models

import "time"

// NotificationLevel is the severity of a notification.
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
	LevelSuccess NotificationLevel = "success"
)

// NotificationCategory groups notifications by origin.
type NotificationCategory string

const (
	CategorySystem         NotificationCategory = "system"
	CategoryHost           NotificationCategory = "host"
	CategoryVM             NotificationCategory = "vm"
	CategoryJob            NotificationCategory = "job"
	CategoryAuthentication NotificationCategory = "authentication"
)

// Notification is one user-visible event record. A stable RelatedEntity key
// within the system category gives at-most-one-live upsert semantics: posting
// again with the same key mutates the existing record in place, preserving
// ID and CreatedAt.
type Notification struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	Message       string                 `json:"message"`
	Level         NotificationLevel      `json:"level"`
	Category      NotificationCategory   `json:"category"`
	RelatedEntity string                 `json:"related_entity,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Read          bool                   `json:"read"`
	CreatedAt     time.Time              `json:"created_at"`
}
