// Package services hosts the control-plane services: the job service and its
// managed-deployment orchestration, the inventory refresh loop, and the
// notification store. Each service exclusively owns its records; they talk to
// each other through typed method calls and WebSocket topic broadcasts only.
package services

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/hyperfleet/hyperfleet/models"
)

// Broadcaster publishes a JSON-serializable message to a WebSocket topic.
// Implemented by the websocket hub; tests substitute fakes.
type Broadcaster interface {
	Broadcast(message interface{}, topic string)
}

// noopBroadcaster lets services run without a hub wired in.
type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(message interface{}, topic string) {}

const notificationsTopic = "notifications"

// NotificationService owns the in-memory notification table. System-category
// notifications with a stable related-entity key get upsert semantics: one
// live record per key, mutated in place.
type NotificationService struct {
	hub Broadcaster

	mu            sync.Mutex
	notifications []*models.Notification
}

// NewNotificationService creates an empty store. A nil hub disables
// broadcasting.
func NewNotificationService(hub Broadcaster) *NotificationService {
	if hub == nil {
		hub = noopBroadcaster{}
	}
	return &NotificationService{hub: hub}
}

// Create stores a fresh notification and broadcasts it. Broadcast failures
// never fail the notification operation; the hub already swallows them.
func (s *NotificationService) Create(title, message string, level models.NotificationLevel, category models.NotificationCategory, relatedEntity string, metadata map[string]interface{}) *models.Notification {
	n := &models.Notification{
		ID:            uuid.New().String(),
		Title:         title,
		Message:       message,
		Level:         level,
		Category:      category,
		RelatedEntity: relatedEntity,
		Metadata:      metadata,
		CreatedAt:     time.Now(),
	}

	s.mu.Lock()
	s.notifications = append(s.notifications, n)
	result := *n
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"notification_id": n.ID,
		"category":        category,
		"level":           level,
	}).Debug("Notification created")

	s.broadcast("created", &result)
	return &result
}

// UpsertSystem creates or updates the system notification identified by the
// stable key. An existing record keeps its ID and creation time; only the
// mutable fields change.
func (s *NotificationService) UpsertSystem(key, title, message string, level models.NotificationLevel, metadata map[string]interface{}) *models.Notification {
	s.mu.Lock()
	for _, n := range s.notifications {
		if n.Category == models.CategorySystem && n.RelatedEntity == key {
			n.Title = title
			n.Message = message
			n.Level = level
			n.Metadata = metadata
			n.Read = false
			result := *n
			s.mu.Unlock()

			s.broadcast("updated", &result)
			return &result
		}
	}
	s.mu.Unlock()

	return s.Create(title, message, level, models.CategorySystem, key, metadata)
}

// ClearSystem removes the system notification with the matching key, if any.
func (s *NotificationService) ClearSystem(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications {
		if n.Category == models.CategorySystem && n.RelatedEntity == key {
			s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
			return true
		}
	}
	return false
}

// MarkRead flags one notification as read and broadcasts the change along
// with the new unread count.
func (s *NotificationService) MarkRead(id string) bool {
	s.mu.Lock()
	var found bool
	for _, n := range s.notifications {
		if n.ID == id {
			n.Read = true
			found = true
			break
		}
	}
	unread := s.unreadLocked()
	s.mu.Unlock()

	if !found {
		return false
	}
	s.hub.Broadcast(map[string]interface{}{
		"type":   "notification",
		"action": "updated",
		"data": map[string]interface{}{
			"id":           id,
			"read":         true,
			"unread_count": unread,
		},
	}, notificationsTopic)
	return true
}

// MarkAllRead flags every notification read.
func (s *NotificationService) MarkAllRead() {
	s.mu.Lock()
	for _, n := range s.notifications {
		n.Read = true
	}
	s.mu.Unlock()

	s.hub.Broadcast(map[string]interface{}{
		"type":   "notification",
		"action": "updated",
		"data": map[string]interface{}{
			"all_read":     true,
			"unread_count": 0,
		},
	}, notificationsTopic)
}

// List returns notifications sorted newest first, bounded by limit when
// positive.
func (s *NotificationService) List(limit int) []models.Notification {
	return s.list(limit, false)
}

// ListUnread returns unread notifications sorted newest first.
func (s *NotificationService) ListUnread(limit int) []models.Notification {
	return s.list(limit, true)
}

// UnreadCount returns the number of unread notifications.
func (s *NotificationService) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked()
}

// Get returns a copy of one notification by ID.
func (s *NotificationService) Get(id string) (models.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.ID == id {
			return *n, true
		}
	}
	return models.Notification{}, false
}

func (s *NotificationService) list(limit int, unreadOnly bool) []models.Notification {
	s.mu.Lock()
	result := make([]models.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		if unreadOnly && n.Read {
			continue
		}
		result = append(result, *n)
	}
	s.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (s *NotificationService) unreadLocked() int {
	count := 0
	for _, n := range s.notifications {
		if !n.Read {
			count++
		}
	}
	return count
}

func (s *NotificationService) broadcast(action string, n *models.Notification) {
	s.hub.Broadcast(map[string]interface{}{
		"type":   "notification",
		"action": action,
		"data":   n,
	}, notificationsTopic)
}
