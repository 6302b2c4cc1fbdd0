package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStateConflict is returned on an illegal status transition, e.g. moving
// an answered future request back to pending.
var ErrStateConflict = errors.New("state conflict")

// Message is a stored conversation turn. Immutable once written.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	RecipientID    string
	Role           string // "human" or "twin"
	Content        string
	Modality       string // "text" or "voice"
	CreatedAt      time.Time
}

// FactPriority orders core facts by how prominently they appear in prompts.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// CoreFact is an extracted identity fact. Append-only: superseded facts are
// flagged, never deleted.
type CoreFact struct {
	ID         string
	OwnerID    string
	Subject    string
	Attribute  string
	Value      string
	Priority   string
	Confidence float64
	SourceMsg  string // message ID the fact was extracted from
	Superseded bool
	CreatedAt  time.Time
}

// ToneAttributes holds the five tone dimensions. Pointer fields distinguish
// "not set" from an explicit zero, which dyadic overrides rely on.
type ToneAttributes struct {
	Formality  *float64
	Humor      *float64
	EmojiRate  *float64
	Warmth     *float64
	Dependence *float64
}

// ClusterPersona is the tone profile for one (owner, relationship class).
// SampleCount is the number of messages folded into the profile so far;
// it weights subsequent running updates.
type ClusterPersona struct {
	OwnerID     string
	Class       string
	Tone        ToneAttributes
	SampleCount int
	UpdatedAt   time.Time
}

// DyadicOverride is a sparse tone exception for one specific counterpart.
// At most one per (owner, counterpart).
type DyadicOverride struct {
	OwnerID       string
	CounterpartID string
	Tone          ToneAttributes
	UpdatedAt     time.Time
}

// Classification statuses.
const (
	ClassificationPending  = "pending"
	ClassificationAnswered = "answered"
	ClassificationSkipped  = "skipped"
)

// RelationshipClassification maps a counterpart to the cluster their dyad
// falls back to.
type RelationshipClassification struct {
	OwnerID       string
	CounterpartID string
	Class         string
	Confidence    float64
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Financial thread statuses.
const (
	ThreadOpen           = "open"
	ThreadWaitingCreator = "waiting_creator"
	ThreadWaitingSender  = "waiting_sender"
	ThreadClosed         = "closed"
)

// FinancialThread is a routed money-related conversation awaiting the
// creator's direct input. At most one non-closed thread per pair.
type FinancialThread struct {
	ID             string
	OwnerID        string
	CounterpartID  string
	ConversationID string
	Status         string
	Summary        string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// ThreadMessage is one entry in a financial thread's ordered log.
type ThreadMessage struct {
	ID        string
	ThreadID  string
	AuthorID  string
	Content   string
	Delivered bool
	CreatedAt time.Time
}

// Future request statuses. Transitions are strictly forward:
// pending -> answered -> delivered.
const (
	RequestPending   = "pending"
	RequestAnswered  = "answered"
	RequestDelivered = "delivered"
)

// FutureRequest is a single-shot future-planning record.
type FutureRequest struct {
	ID              string
	SenderID        string
	RecipientID     string
	ConversationID  string
	OriginalMessage string
	DetectedPlan    string
	DetectedTime    string
	Status          string
	CreatorResponse string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Retry task statuses.
const (
	TaskPending         = "pending"
	TaskRunning         = "running"
	TaskSucceeded       = "succeeded"
	TaskFailedPermanent = "failed_permanent"
)

// RetryTask is one unit of failed background work awaiting retry.
type RetryTask struct {
	ID          string
	Kind        string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SchedulerRun records the outcome of the most recent run per job kind.
type SchedulerRun struct {
	Kind      string
	LastRunAt time.Time
	LastError string
	Processed int
	Failed    int
}

// ConversationSummary is the rolling summary for one pair's conversation.
type ConversationSummary struct {
	OwnerID        string
	CounterpartID  string
	ConversationID string
	Summary        string
	UpdatedAt      time.Time
}
