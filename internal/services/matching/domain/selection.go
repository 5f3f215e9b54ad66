package domain

import (
	"context"
	"time"
)

// RequestStatus is the lifecycle state of a tourist request.
type RequestStatus string

const (
	// RequestStatusOpen means the request is still accepting a guide.
	RequestStatusOpen RequestStatus = "open"
	// RequestStatusMatched means one guide has won the request.
	RequestStatusMatched RequestStatus = "matched"
	// RequestStatusClosed means the request ended without a match.
	RequestStatusClosed RequestStatus = "closed"
)

// SelectionStatus is the lifecycle state of one guide's candidacy.
type SelectionStatus string

const (
	// SelectionStatusPending means the guide has not yet responded.
	SelectionStatusPending SelectionStatus = "pending"
	// SelectionStatusAccepted means this guide won the request.
	SelectionStatusAccepted SelectionStatus = "accepted"
	// SelectionStatusDeclined means the guide turned the request down.
	SelectionStatusDeclined SelectionStatus = "declined"
	// SelectionStatusExpired means a sibling won or the invite lapsed.
	SelectionStatusExpired SelectionStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s SelectionStatus) Terminal() bool {
	switch s {
	case SelectionStatusAccepted, SelectionStatusDeclined, SelectionStatusExpired:
		return true
	}
	return false
}

// Action is a guide's response to an invitation.
type Action string

const (
	// ActionAccept claims the request for the responding guide.
	ActionAccept Action = "accept"
	// ActionDecline turns the invitation down.
	ActionDecline Action = "decline"
)

// Valid reports whether the action is one of the two known verbs.
func (a Action) Valid() bool {
	return a == ActionAccept || a == ActionDecline
}

// TouristRequest is one trip request a tourist submitted. The intake flow
// owns its creation; the arbiter writes only the matched transition.
type TouristRequest struct {
	ID        string
	TouristID string
	City      string
	StartDate time.Time
	EndDate   time.Time
	Status    RequestStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Selection is one guide's candidacy for a single tourist request.
// Unique per (RequestID, StudentID); never deleted once created.
type Selection struct {
	ID          string
	RequestID   string
	StudentID   string
	Status      SelectionStatus
	CreatedAt   time.Time
	RespondedAt *time.Time
}

// Outcome is the caller-visible result of a respond call. Outcomes are
// ordinary values: callers branch on them instead of catching errors.
type Outcome string

const (
	// OutcomeWon means this guide's accept was the first to commit.
	OutcomeWon Outcome = "won"
	// OutcomeLostRace means a sibling selection was accepted first.
	OutcomeLostRace Outcome = "lost_race"
	// OutcomeDeclined means the decline was recorded.
	OutcomeDeclined Outcome = "declined"
	// OutcomeAlreadyResolved means the selection was terminal before this
	// call; repeated clicks on the same link land here harmlessly.
	OutcomeAlreadyResolved Outcome = "already_resolved"
)

// RespondInput identifies the selection a verified token refers to.
type RespondInput struct {
	SelectionID string
	RequestID   string
	StudentID   string
	Action      Action
}

// RespondResult reports the arbitration outcome and the selection's state
// after the call.
type RespondResult struct {
	Outcome   Outcome
	Selection Selection
}

// AcceptDisposition classifies the storage layer's conditional accept.
type AcceptDisposition string

const (
	// AcceptWon means the conditional transition to accepted committed.
	AcceptWon AcceptDisposition = "won"
	// AcceptLostRace means an accepted sibling blocked the transition and
	// this selection was expired instead.
	AcceptLostRace AcceptDisposition = "lost_race"
	// AcceptAlreadyResolved means the selection was terminal before the
	// conditional write ran.
	AcceptAlreadyResolved AcceptDisposition = "already_resolved"
)

// AcceptResult is the storage layer's report of one accept attempt.
type AcceptResult struct {
	Disposition AcceptDisposition
	Selection   Selection
	// Expired holds the pending siblings closed out by a won accept.
	Expired []Selection
}

// SelectionStore is the arbiter's persistence boundary. AcceptSelection
// must be atomic with respect to concurrent accepts for the same request:
// at most one selection per request may ever reach accepted, enforced by
// the store, never by application locking.
type SelectionStore interface {
	PutRequest(ctx context.Context, request TouristRequest) error
	GetRequest(ctx context.Context, requestID string) (TouristRequest, error)
	// PutSelections inserts pending selections, skipping pairs that already
	// exist, and reports the ids it actually inserted.
	PutSelections(ctx context.Context, selections []Selection) ([]string, error)
	ListSelectionsByRequest(ctx context.Context, requestID string) ([]Selection, error)
	GetSelection(ctx context.Context, selectionID string) (Selection, error)
	DeclineSelection(ctx context.Context, selectionID string, at time.Time) (Selection, bool, error)
	AcceptSelection(ctx context.Context, selectionID, requestID string, at time.Time) (AcceptResult, error)
}

// Fanout is the notification contract the arbiter triggers. Implementations
// must treat delivery as fire-and-forget; the arbiter logs fanout errors
// and never propagates them to the responding guide.
type Fanout interface {
	GuideInvited(ctx context.Context, request TouristRequest, selection Selection) error
	MatchWon(ctx context.Context, request TouristRequest, winner Selection, expired []Selection) error
}
