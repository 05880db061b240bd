package hub

import "time"

// EventName identifies an outbound real-time event.
type EventName string

const (
	EventTaskCreated        EventName = "task.created"
	EventTaskUpdated        EventName = "task.updated"
	EventTaskCompleted      EventName = "task.completed"
	EventEmergencyAlert     EventName = "emergency.alert"
	EventMaintenanceRequest EventName = "maintenance.request"
	EventNotification       EventName = "notification"

	// Connection-level events, never published to a tenant group by callers.
	EventHeartbeat EventName = "heartbeat"
	EventConnected EventName = "connected"
	EventJoined    EventName = "group.joined"
	EventLeft      EventName = "group.left"
	EventError     EventName = "error"
)

// Event is what a connection receives.
type Event struct {
	Name     EventName `json:"event"`
	TenantID string    `json:"tenant_id,omitempty"`
	Payload  any       `json:"payload,omitempty"`
	At       time.Time `json:"at"`
}

// TaskPayload accompanies the task.* events.
type TaskPayload struct {
	TaskID     string `json:"task_id"`
	Department string `json:"department,omitempty"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Priority   string `json:"priority,omitempty"`
}

// AlertPayload accompanies emergency.alert and maintenance.request.
type AlertPayload struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Room       string  `json:"room,omitempty"`
	Phone      string  `json:"phone,omitempty"`
}

// NotificationPayload accompanies generic notifications.
type NotificationPayload struct {
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}
