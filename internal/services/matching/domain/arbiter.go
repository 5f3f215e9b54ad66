package domain

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	apperrors "github.com/citymate/citymate/internal/platform/errors"
	"github.com/citymate/citymate/internal/platform/id"
	"github.com/citymate/citymate/internal/platform/timeouts"
)

// ErrStoreNotConfigured indicates the arbiter is missing persistence wiring.
var ErrStoreNotConfigured = errors.New("selection store is not configured")

// Arbiter owns the selection state machine and the acceptance race. It is
// safe for use from any number of goroutines and processes: winner
// election happens inside the store's conditional write.
type Arbiter struct {
	store  SelectionStore
	fanout Fanout
	clock  func() time.Time
	newID  func() (string, error)
	logf   func(format string, args ...any)
}

// NewArbiter constructs the arbitration use-cases.
func NewArbiter(store SelectionStore, fanout Fanout, clock func() time.Time, newID func() (string, error)) *Arbiter {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Arbiter{
		store:  store,
		fanout: fanout,
		clock:  clock,
		newID:  newID,
		logf:   log.Printf,
	}
}

// CreateRequest registers a tourist request so candidates can be invited.
func (a *Arbiter) CreateRequest(ctx context.Context, request TouristRequest) (TouristRequest, error) {
	if a == nil || a.store == nil {
		return TouristRequest{}, ErrStoreNotConfigured
	}
	request.TouristID = strings.TrimSpace(request.TouristID)
	request.City = strings.TrimSpace(request.City)
	if request.City == "" {
		return TouristRequest{}, apperrors.New(apperrors.CodeRequestEmptyCity, "request city is required")
	}
	if !request.EndDate.After(request.StartDate) {
		return TouristRequest{}, apperrors.New(apperrors.CodeRequestInvalidDates, "request end date must follow start date")
	}
	if strings.TrimSpace(request.ID) == "" {
		requestID, err := a.newID()
		if err != nil {
			return TouristRequest{}, err
		}
		request.ID = requestID
	}
	now := a.nowUTC()
	request.Status = RequestStatusOpen
	request.CreatedAt = now
	request.UpdatedAt = now

	ctx, cancel := a.opContext(ctx)
	defer cancel()
	if err := a.store.PutRequest(ctx, request); err != nil {
		return TouristRequest{}, a.classify(err, "put request")
	}
	return request, nil
}

// CreateSelections invites candidate guides to a request by inserting one
// pending selection per candidate. Re-inviting an already invited guide is
// a no-op, so intake retries fan out idempotently.
func (a *Arbiter) CreateSelections(ctx context.Context, requestID string, candidateIDs []string) ([]Selection, error) {
	if a == nil || a.store == nil {
		return nil, ErrStoreNotConfigured
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, apperrors.New(apperrors.CodeRequestEmptyID, "request id is required")
	}

	candidates := make([]string, 0, len(candidateIDs))
	seen := make(map[string]struct{}, len(candidateIDs))
	for _, candidate := range candidateIDs {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	if len(candidates) == 0 {
		return nil, apperrors.New(apperrors.CodeRequestNoCandidates, "at least one candidate guide is required")
	}

	ctx, cancel := a.opContext(ctx)
	defer cancel()

	request, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, a.classify(err, "get request")
	}
	if request.Status != RequestStatusOpen {
		return nil, apperrors.WithMetadata(apperrors.CodeRequestAlreadyMatched,
			"request no longer accepts invitations",
			map[string]string{"status": string(request.Status)})
	}

	now := a.nowUTC()
	selections := make([]Selection, 0, len(candidates))
	for _, candidate := range candidates {
		selectionID, err := a.newID()
		if err != nil {
			return nil, err
		}
		selections = append(selections, Selection{
			ID:        selectionID,
			RequestID: requestID,
			StudentID: candidate,
			Status:    SelectionStatusPending,
			CreatedAt: now,
		})
	}
	insertedIDs, err := a.store.PutSelections(ctx, selections)
	if err != nil {
		return nil, a.classify(err, "put selections")
	}
	inserted := make(map[string]struct{}, len(insertedIDs))
	for _, selectionID := range insertedIDs {
		inserted[selectionID] = struct{}{}
	}

	// Re-list so callers see the canonical rows, including selections that
	// predate this call for re-invited guides.
	stored, err := a.store.ListSelectionsByRequest(ctx, requestID)
	if err != nil {
		return nil, a.classify(err, "list selections")
	}
	invited := make([]Selection, 0, len(candidates))
	for _, selection := range stored {
		if _, ok := seen[selection.StudentID]; ok {
			invited = append(invited, selection)
		}
	}

	// Only rows this call inserted get an invitation email. Guides already
	// invited on a previous attempt keep their original link.
	for _, selection := range invited {
		if _, isNew := inserted[selection.ID]; !isNew {
			continue
		}
		a.notify(func() error { return a.fanout.GuideInvited(ctx, request, selection) },
			"guide invited", selection.ID)
	}
	return invited, nil
}

// RequestSummary loads a request with all of its selections. Callers gate
// access with a verified view token before reaching here.
func (a *Arbiter) RequestSummary(ctx context.Context, requestID string) (TouristRequest, []Selection, error) {
	if a == nil || a.store == nil {
		return TouristRequest{}, nil, ErrStoreNotConfigured
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return TouristRequest{}, nil, apperrors.New(apperrors.CodeRequestEmptyID, "request id is required")
	}

	ctx, cancel := a.opContext(ctx)
	defer cancel()

	request, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		return TouristRequest{}, nil, a.classify(err, "get request")
	}
	selections, err := a.store.ListSelectionsByRequest(ctx, requestID)
	if err != nil {
		return TouristRequest{}, nil, a.classify(err, "list selections")
	}
	return request, selections, nil
}

// Respond resolves one guide's accept or decline. The identifier triple
// comes from a verified token; any mismatch against stored state is
// reported as SELECTION_NOT_FOUND, which callers surface identically to
// an invalid token so replays cannot probe for valid identifiers.
func (a *Arbiter) Respond(ctx context.Context, input RespondInput) (RespondResult, error) {
	if a == nil || a.store == nil {
		return RespondResult{}, ErrStoreNotConfigured
	}
	if !input.Action.Valid() {
		return RespondResult{}, apperrors.New(apperrors.CodeSelectionInvalidAction, "respond action is unknown")
	}

	ctx, cancel := a.opContext(ctx)
	defer cancel()

	selection, err := a.store.GetSelection(ctx, strings.TrimSpace(input.SelectionID))
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return RespondResult{}, errSelectionNotFound()
		}
		return RespondResult{}, a.classify(err, "get selection")
	}
	if selection.RequestID != strings.TrimSpace(input.RequestID) ||
		selection.StudentID != strings.TrimSpace(input.StudentID) {
		return RespondResult{}, errSelectionNotFound()
	}

	// Double-clicks and re-followed links land here: report the stored
	// terminal state without touching anything.
	if selection.Status.Terminal() {
		return RespondResult{Outcome: OutcomeAlreadyResolved, Selection: selection}, nil
	}

	if input.Action == ActionDecline {
		return a.decline(ctx, selection)
	}
	return a.accept(ctx, selection)
}

func (a *Arbiter) decline(ctx context.Context, selection Selection) (RespondResult, error) {
	declined, applied, err := a.store.DeclineSelection(ctx, selection.ID, a.nowUTC())
	if err != nil {
		return RespondResult{}, a.classify(err, "decline selection")
	}
	if !applied {
		// Lost a race against another resolution between load and write.
		return RespondResult{Outcome: OutcomeAlreadyResolved, Selection: declined}, nil
	}
	return RespondResult{Outcome: OutcomeDeclined, Selection: declined}, nil
}

func (a *Arbiter) accept(ctx context.Context, selection Selection) (RespondResult, error) {
	result, err := a.store.AcceptSelection(ctx, selection.ID, selection.RequestID, a.nowUTC())
	if err != nil {
		return RespondResult{}, a.classify(err, "accept selection")
	}

	switch result.Disposition {
	case AcceptWon:
		request, err := a.store.GetRequest(ctx, selection.RequestID)
		if err != nil {
			// The accept is committed; a failed read only degrades fanout.
			a.logf("matching: load request %s after win: %v", selection.RequestID, err)
			request = TouristRequest{ID: selection.RequestID, Status: RequestStatusMatched}
		}
		a.notify(func() error {
			return a.fanout.MatchWon(ctx, request, result.Selection, result.Expired)
		}, "match won", result.Selection.ID)
		return RespondResult{Outcome: OutcomeWon, Selection: result.Selection}, nil
	case AcceptLostRace:
		return RespondResult{Outcome: OutcomeLostRace, Selection: result.Selection}, nil
	default:
		return RespondResult{Outcome: OutcomeAlreadyResolved, Selection: result.Selection}, nil
	}
}

// notify runs a fanout call and logs failures. Notification delivery is
// fire-and-forget: a broken email path must never fail arbitration.
func (a *Arbiter) notify(call func() error, event, selectionID string) {
	if a.fanout == nil {
		return
	}
	if err := call(); err != nil {
		a.logf("matching: fanout %s selection=%s: %v", event, selectionID, err)
	}
}

// classify wraps storage failures: deadline expiry becomes a retryable
// STORAGE_TIMEOUT and is never conflated with an arbitration outcome.
func (a *Arbiter) classify(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeStorageTimeout, op+" timed out", err)
	}
	return err
}

func (a *Arbiter) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeouts.Storage)
}

func (a *Arbiter) nowUTC() time.Time {
	if a.clock == nil {
		return time.Now().UTC()
	}
	return a.clock().UTC()
}

func errSelectionNotFound() error {
	return apperrors.New(apperrors.CodeSelectionNotFound, "selection does not match the presented identifiers")
}
