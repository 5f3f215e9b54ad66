package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested request, selection, or metrics record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a requested write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
	// ErrBusy indicates the database could not take the write lock in time.
	// Callers may retry; it never encodes an arbitration outcome.
	ErrBusy = errors.New("storage busy")
)

// RequestStatus identifies one tourist-request lifecycle state.
type RequestStatus string

const (
	// RequestStatusOpen means candidate guides may still be invited and accept.
	RequestStatusOpen RequestStatus = "open"
	// RequestStatusMatched means one guide's accept committed.
	RequestStatusMatched RequestStatus = "matched"
	// RequestStatusClosed means the request ended without a match.
	RequestStatusClosed RequestStatus = "closed"
)

// SelectionStatus identifies one selection lifecycle state.
type SelectionStatus string

const (
	// SelectionStatusPending means the guide has not responded yet.
	SelectionStatusPending SelectionStatus = "pending"
	// SelectionStatusAccepted means this selection won the request.
	SelectionStatusAccepted SelectionStatus = "accepted"
	// SelectionStatusDeclined means the guide turned the invitation down.
	SelectionStatusDeclined SelectionStatus = "declined"
	// SelectionStatusExpired means the selection was closed out by a sibling win.
	SelectionStatusExpired SelectionStatus = "expired"
)

// AcceptOutcome classifies the result of a conditional accept write.
type AcceptOutcome string

const (
	// AcceptOutcomeWon means this selection's accept committed first.
	AcceptOutcomeWon AcceptOutcome = "won"
	// AcceptOutcomeLostRace means a sibling selection was already accepted.
	AcceptOutcomeLostRace AcceptOutcome = "lost_race"
	// AcceptOutcomeAlreadyResolved means the selection was terminal before the write.
	AcceptOutcomeAlreadyResolved AcceptOutcome = "already_resolved"
)

// RequestRecord stores one tourist trip request.
type RequestRecord struct {
	ID        string
	TouristID string
	City      string
	StartDate time.Time
	EndDate   time.Time
	Status    RequestStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SelectionRecord stores one guide's candidacy for a request.
type SelectionRecord struct {
	ID          string
	RequestID   string
	StudentID   string
	Status      SelectionStatus
	CreatedAt   time.Time
	RespondedAt *time.Time
}

// AcceptRecord stores the full result of a conditional accept write.
type AcceptRecord struct {
	Outcome   AcceptOutcome
	Selection SelectionRecord
	Expired   []SelectionRecord
}

// ReviewRecord stores one immutable trip review.
type ReviewRecord struct {
	ID             string
	RequestID      string
	StudentID      string
	Rating         int
	Body           string
	AttributesJSON string
	NoShow         bool
	PricePaid      *float64
	CreatedAt      time.Time
}

// ReviewStatRecord stores the per-review slice consumed by metrics recomputation.
type ReviewStatRecord struct {
	Rating int
	NoShow bool
}

// MetricsRecord stores one guide's derived reliability metrics.
type MetricsRecord struct {
	StudentID      string
	AverageRating  *float64
	CompletionRate float64
	TripsHosted    int
	NoShowCount    int
	Badge          string
	UpdatedAt      time.Time
}

// EmailStatus identifies one outbox email lifecycle state.
type EmailStatus string

const (
	// EmailStatusPending means the email is queued for dispatch.
	EmailStatusPending EmailStatus = "pending"
	// EmailStatusDelivered means the sender accepted the email.
	EmailStatusDelivered EmailStatus = "delivered"
	// EmailStatusFailed means every dispatch attempt failed.
	EmailStatusFailed EmailStatus = "failed"
)

// EmailRecord stores one queued notification email.
type EmailRecord struct {
	ID            string
	Kind          string
	Recipient     string
	SelectionID   string
	RequestID     string
	PayloadJSON   string
	Status        EmailStatus
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeliveredAt   *time.Time
}

// MatchStore persists requests and selections. AcceptSelection must make
// the conditional transition atomically: at most one selection per
// request ever reaches accepted, regardless of concurrent callers or
// processes.
type MatchStore interface {
	PutRequest(ctx context.Context, record RequestRecord) error
	GetRequest(ctx context.Context, requestID string) (RequestRecord, error)
	// PutSelections inserts pending rows, skipping (request_id, student_id)
	// pairs that already exist, and reports the ids it actually inserted.
	PutSelections(ctx context.Context, records []SelectionRecord) ([]string, error)
	ListSelectionsByRequest(ctx context.Context, requestID string) ([]SelectionRecord, error)
	GetSelection(ctx context.Context, selectionID string) (SelectionRecord, error)
	DeclineSelection(ctx context.Context, selectionID string, at time.Time) (SelectionRecord, bool, error)
	AcceptSelection(ctx context.Context, selectionID string, requestID string, at time.Time) (AcceptRecord, error)
}

// ReviewStore persists reviews and derived metrics. CreateReview runs the
// insert, the stat load, and the metrics upsert in one transaction; a
// duplicate request id returns ErrConflict.
type ReviewStore interface {
	CreateReview(ctx context.Context, record ReviewRecord, recompute func(stats []ReviewStatRecord) MetricsRecord) (MetricsRecord, error)
	GetStudentMetrics(ctx context.Context, studentID string) (MetricsRecord, error)
}

// EmailStore persists the outbound email queue.
type EmailStore interface {
	EnqueueEmails(ctx context.Context, records []EmailRecord) error
	ListDueEmails(ctx context.Context, limit int, now time.Time) ([]EmailRecord, error)
	MarkEmailRetry(ctx context.Context, emailID string, attemptCount int, nextAttemptAt time.Time, lastError string, at time.Time) error
	MarkEmailDelivered(ctx context.Context, emailID string, deliveredAt time.Time) error
	MarkEmailFailed(ctx context.Context, emailID string, lastError string, at time.Time) error
}
