package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDimensionMismatch is returned when an embedding does not have the store's configured width.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// DateLayout is the layout used for calendar dates (booking dates, usage rollups).
const DateLayout = "2006-01-02"

type TenantStatus string

const (
	TenantActive    TenantStatus = "Active"
	TenantInactive  TenantStatus = "Inactive"
	TenantSuspended TenantStatus = "Suspended"
)

type Tenant struct {
	ID            string
	Slug          string
	Plan          string
	Status        TenantStatus
	RetentionDays int // 0 disables the retention sweep
	CreatedAt     time.Time
}

type BookingStatus string

const (
	BookingConfirmed  BookingStatus = "Confirmed"
	BookingCheckedIn  BookingStatus = "CheckedIn"
	BookingCheckedOut BookingStatus = "CheckedOut"
	BookingCancelled  BookingStatus = "Cancelled"
	BookingNoShow     BookingStatus = "NoShow"
)

type Booking struct {
	ID           string
	TenantID     string
	GuestName    string
	Phone        string
	RoomNumber   string
	Status       BookingStatus
	CheckinDate  string // YYYY-MM-DD
	CheckoutDate string // YYYY-MM-DD
	CheckedOutAt time.Time
	IsStaff      bool
	OptedOut     bool
	CreatedAt    time.Time
}

type BookingChange struct {
	ID         string
	TenantID   string
	BookingID  string
	FromStatus BookingStatus
	ToStatus   BookingStatus
	ChangeType string
	ChangedBy  string
	ChangedAt  time.Time
}

type RatingStatus string

const (
	RatingPending   RatingStatus = "Pending"
	RatingCompleted RatingStatus = "Completed"
	RatingExpired   RatingStatus = "Expired"
)

type Rating struct {
	ID         string
	TenantID   string
	BookingID  string
	Status     RatingStatus
	Source     string
	Score      int
	AskedAt    time.Time
	ReceivedAt time.Time
}

// FAQ is an embeddable question/answer pair. Question text is what gets embedded.
type FAQ struct {
	ID             string
	TenantID       string
	Question       string
	Answer         string
	Embedding      []float32
	NeedsEmbedding bool
	UpdatedAt      time.Time
}

// Chunk is an embeddable knowledge base fragment.
type Chunk struct {
	ID             string
	TenantID       string
	Source         string
	Content        string
	Embedding      []float32
	NeedsEmbedding bool
	UpdatedAt      time.Time
}

type Direction string

const (
	Inbound  Direction = "Inbound"
	Outbound Direction = "Outbound"
)

type Conversation struct {
	ID            string
	TenantID      string
	Phone         string
	CreatedAt     time.Time
	LastMessageAt time.Time
}

type Message struct {
	ID             string
	TenantID       string
	ConversationID string
	Direction      Direction
	Body           string
	TokensIn       int
	TokensOut      int
	CreatedAt      time.Time
}

type Task struct {
	ID        string
	TenantID  string
	Title     string
	Status    string
	CreatedAt time.Time
}

// UsageDaily holds one tenant's aggregates for one calendar day.
type UsageDaily struct {
	TenantID     string
	Date         string // YYYY-MM-DD
	MessagesIn   int
	MessagesOut  int
	TokensIn     int
	TokensOut    int
	TasksCreated int
	UpdatedAt    time.Time
}

type ScheduledMessageType string

const (
	MessageCheckinDay  ScheduledMessageType = "CheckinDay"
	MessageMidStay     ScheduledMessageType = "MidStay"
	MessagePreCheckout ScheduledMessageType = "PreCheckout"
	MessagePostStay    ScheduledMessageType = "PostStay"
)

type ScheduledMessageStatus string

const (
	ScheduledPending   ScheduledMessageStatus = "Pending"
	ScheduledSending   ScheduledMessageStatus = "Sending"
	ScheduledSent      ScheduledMessageStatus = "Sent"
	ScheduledFailed    ScheduledMessageStatus = "Failed"
	ScheduledCancelled ScheduledMessageStatus = "Cancelled"
)

type ScheduledMessage struct {
	ID           string
	TenantID     string
	BookingID    string
	Type         ScheduledMessageType
	Recipient    string
	Content      string
	MediaURL     string
	DueAt        time.Time
	Status       ScheduledMessageStatus
	SentAt       time.Time
	RetryCount   int
	ErrorMessage string
}

type PostStaySurvey struct {
	ID        string
	TenantID  string
	BookingID string
	Phone     string
	SentAt    time.Time
}

// ClassificationRecord is one audited classifier decision.
type ClassificationRecord struct {
	ID         string
	TenantID   string
	Text       string
	Method     string
	Label      string
	Confidence float64
	Ambiguous  bool
	CreatedAt  time.Time
}

// JobRunRecord is the persisted outcome of one job execution.
type JobRunRecord struct {
	ID                string
	JobName           string
	StartedAt         time.Time
	FinishedAt        time.Time
	Outcome           string
	ItemsProcessed    int
	ErrorsEncountered int
	LastError         string
}
