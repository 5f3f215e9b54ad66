package domain

import (
	"context"
	"fmt"
	"testing"
	"time"

	apperrors "github.com/citymate/citymate/internal/platform/errors"
)

type fakeSelectionStore struct {
	requests   map[string]TouristRequest
	selections map[string]Selection

	acceptResult  *AcceptResult
	acceptErr     error
	getSelErr     error
	putSelErr     error
	declineErr    error
	declineMissed bool
}

func newFakeSelectionStore() *fakeSelectionStore {
	return &fakeSelectionStore{
		requests:   make(map[string]TouristRequest),
		selections: make(map[string]Selection),
	}
}

func (s *fakeSelectionStore) PutRequest(_ context.Context, request TouristRequest) error {
	s.requests[request.ID] = request
	return nil
}

func (s *fakeSelectionStore) GetRequest(_ context.Context, requestID string) (TouristRequest, error) {
	request, ok := s.requests[requestID]
	if !ok {
		return TouristRequest{}, apperrors.New(apperrors.CodeNotFound, "request not found")
	}
	return request, nil
}

func (s *fakeSelectionStore) PutSelections(_ context.Context, selections []Selection) ([]string, error) {
	if s.putSelErr != nil {
		return nil, s.putSelErr
	}
	var inserted []string
	for _, selection := range selections {
		exists := false
		for _, stored := range s.selections {
			if stored.RequestID == selection.RequestID && stored.StudentID == selection.StudentID {
				exists = true
				break
			}
		}
		if !exists {
			s.selections[selection.ID] = selection
			inserted = append(inserted, selection.ID)
		}
	}
	return inserted, nil
}

func (s *fakeSelectionStore) ListSelectionsByRequest(_ context.Context, requestID string) ([]Selection, error) {
	var out []Selection
	for _, selection := range s.selections {
		if selection.RequestID == requestID {
			out = append(out, selection)
		}
	}
	return out, nil
}

func (s *fakeSelectionStore) GetSelection(_ context.Context, selectionID string) (Selection, error) {
	if s.getSelErr != nil {
		return Selection{}, s.getSelErr
	}
	selection, ok := s.selections[selectionID]
	if !ok {
		return Selection{}, apperrors.New(apperrors.CodeNotFound, "selection not found")
	}
	return selection, nil
}

func (s *fakeSelectionStore) DeclineSelection(_ context.Context, selectionID string, at time.Time) (Selection, bool, error) {
	if s.declineErr != nil {
		return Selection{}, false, s.declineErr
	}
	selection := s.selections[selectionID]
	if s.declineMissed || selection.Status.Terminal() {
		return selection, false, nil
	}
	selection.Status = SelectionStatusDeclined
	selection.RespondedAt = &at
	s.selections[selectionID] = selection
	return selection, true, nil
}

func (s *fakeSelectionStore) AcceptSelection(_ context.Context, selectionID, requestID string, at time.Time) (AcceptResult, error) {
	if s.acceptErr != nil {
		return AcceptResult{}, s.acceptErr
	}
	if s.acceptResult != nil {
		return *s.acceptResult, nil
	}
	selection := s.selections[selectionID]
	if selection.Status.Terminal() {
		return AcceptResult{Disposition: AcceptAlreadyResolved, Selection: selection}, nil
	}
	var expired []Selection
	for id, sibling := range s.selections {
		if sibling.RequestID != requestID || id == selectionID {
			continue
		}
		if sibling.Status == SelectionStatusAccepted {
			selection.Status = SelectionStatusExpired
			selection.RespondedAt = &at
			s.selections[selectionID] = selection
			return AcceptResult{Disposition: AcceptLostRace, Selection: selection}, nil
		}
		if sibling.Status == SelectionStatusPending {
			sibling.Status = SelectionStatusExpired
			sibling.RespondedAt = &at
			s.selections[id] = sibling
			expired = append(expired, sibling)
		}
	}
	selection.Status = SelectionStatusAccepted
	selection.RespondedAt = &at
	s.selections[selectionID] = selection
	request := s.requests[requestID]
	request.Status = RequestStatusMatched
	s.requests[requestID] = request
	return AcceptResult{Disposition: AcceptWon, Selection: selection, Expired: expired}, nil
}

type fakeFanout struct {
	invited []Selection
	won     []Selection
	expired [][]Selection
	err     error
}

func (f *fakeFanout) GuideInvited(_ context.Context, _ TouristRequest, selection Selection) error {
	f.invited = append(f.invited, selection)
	return f.err
}

func (f *fakeFanout) MatchWon(_ context.Context, _ TouristRequest, winner Selection, expired []Selection) error {
	f.won = append(f.won, winner)
	f.expired = append(f.expired, expired)
	return f.err
}

func sequentialIDs(prefix string) func() (string, error) {
	n := 0
	return func() (string, error) {
		n++
		return fmt.Sprintf("%s-%d", prefix, n), nil
	}
}

func newTestArbiter(store *fakeSelectionStore, fanout *fakeFanout) *Arbiter {
	arbiter := NewArbiter(store, fanout, fixedClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)), sequentialIDs("sel"))
	arbiter.logf = func(string, ...any) {}
	return arbiter
}

func openRequest(store *fakeSelectionStore, requestID string) TouristRequest {
	request := TouristRequest{
		ID:        requestID,
		TouristID: "tourist-1",
		City:      "Lisbon",
		StartDate: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC),
		Status:    RequestStatusOpen,
	}
	store.requests[requestID] = request
	return request
}

func pendingSelection(store *fakeSelectionStore, selectionID, requestID, studentID string) Selection {
	selection := Selection{
		ID:        selectionID,
		RequestID: requestID,
		StudentID: studentID,
		Status:    SelectionStatusPending,
	}
	store.selections[selectionID] = selection
	return selection
}

func TestCreateRequestValidation(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	arbiter := newTestArbiter(store, &fakeFanout{})

	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		request TouristRequest
		want    apperrors.Code
	}{
		{
			name:    "empty city",
			request: TouristRequest{TouristID: "t1", City: "   ", StartDate: start, EndDate: start.AddDate(0, 0, 3)},
			want:    apperrors.CodeRequestEmptyCity,
		},
		{
			name:    "end before start",
			request: TouristRequest{TouristID: "t1", City: "Lisbon", StartDate: start, EndDate: start.AddDate(0, 0, -1)},
			want:    apperrors.CodeRequestInvalidDates,
		},
		{
			name:    "end equals start",
			request: TouristRequest{TouristID: "t1", City: "Lisbon", StartDate: start, EndDate: start},
			want:    apperrors.CodeRequestInvalidDates,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := arbiter.CreateRequest(context.Background(), tc.request)
			if apperrors.CodeOf(err) != tc.want {
				t.Fatalf("code = %v, want %v (err %v)", apperrors.CodeOf(err), tc.want, err)
			}
		})
	}
}

func TestCreateRequestAssignsIdentityAndTimestamps(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	arbiter := newTestArbiter(store, &fakeFanout{})

	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	created, err := arbiter.CreateRequest(context.Background(), TouristRequest{
		TouristID: "  tourist-1  ",
		City:      "  Lisbon  ",
		StartDate: start,
		EndDate:   start.AddDate(0, 0, 4),
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if created.ID != "sel-1" {
		t.Fatalf("ID = %q, want generated", created.ID)
	}
	if created.TouristID != "tourist-1" || created.City != "Lisbon" {
		t.Fatalf("fields not trimmed: %+v", created)
	}
	if created.Status != RequestStatusOpen {
		t.Fatalf("Status = %q, want open", created.Status)
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("timestamps not set: %+v", created)
	}
	if _, ok := store.requests["sel-1"]; !ok {
		t.Fatal("request not persisted")
	}
}

func TestCreateSelectionsValidation(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	arbiter := newTestArbiter(store, &fakeFanout{})

	if _, err := arbiter.CreateSelections(context.Background(), "  ", []string{"g1"}); apperrors.CodeOf(err) != apperrors.CodeRequestEmptyID {
		t.Fatalf("empty request id: code = %v", apperrors.CodeOf(err))
	}
	if _, err := arbiter.CreateSelections(context.Background(), "req-1", []string{" ", ""}); apperrors.CodeOf(err) != apperrors.CodeRequestNoCandidates {
		t.Fatalf("no candidates: code = %v", apperrors.CodeOf(err))
	}
}

func TestCreateSelectionsRejectsMatchedRequest(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	request := openRequest(store, "req-1")
	request.Status = RequestStatusMatched
	store.requests["req-1"] = request

	arbiter := newTestArbiter(store, &fakeFanout{})
	_, err := arbiter.CreateSelections(context.Background(), "req-1", []string{"g1"})
	if apperrors.CodeOf(err) != apperrors.CodeRequestAlreadyMatched {
		t.Fatalf("code = %v, want REQUEST_ALREADY_MATCHED", apperrors.CodeOf(err))
	}
}

func TestCreateSelectionsInvitesCandidates(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	openRequest(store, "req-1")
	fanout := &fakeFanout{}
	arbiter := newTestArbiter(store, fanout)

	invited, err := arbiter.CreateSelections(context.Background(), "req-1", []string{"g1", " g2 ", "g1", ""})
	if err != nil {
		t.Fatalf("CreateSelections: %v", err)
	}
	if len(invited) != 2 {
		t.Fatalf("invited = %d selections, want 2 after dedupe", len(invited))
	}
	for _, selection := range invited {
		if selection.Status != SelectionStatusPending {
			t.Fatalf("selection %s status = %q, want pending", selection.ID, selection.Status)
		}
		if selection.RequestID != "req-1" {
			t.Fatalf("selection %s request = %q", selection.ID, selection.RequestID)
		}
	}
	if len(fanout.invited) != 2 {
		t.Fatalf("fanout invited %d, want 2", len(fanout.invited))
	}
}

func TestCreateSelectionsIdempotentReinvite(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	openRequest(store, "req-1")
	fanout := &fakeFanout{}
	arbiter := newTestArbiter(store, fanout)

	first, err := arbiter.CreateSelections(context.Background(), "req-1", []string{"g1"})
	if err != nil {
		t.Fatalf("first invite: %v", err)
	}
	second, err := arbiter.CreateSelections(context.Background(), "req-1", []string{"g1", "g2"})
	if err != nil {
		t.Fatalf("second invite: %v", err)
	}
	if len(store.selections) != 2 {
		t.Fatalf("stored %d selections, want 2", len(store.selections))
	}
	if first[0].ID != second[0].ID {
		t.Fatalf("re-invite returned a new selection: %q vs %q", first[0].ID, second[0].ID)
	}

	// The retry must email only the newly invited guide. g1 already holds a
	// valid link from the first call.
	if len(fanout.invited) != 2 {
		t.Fatalf("fanout invited %d times, want 2", len(fanout.invited))
	}
	if fanout.invited[0].StudentID != "g1" || fanout.invited[1].StudentID != "g2" {
		t.Fatalf("fanout recipients = %q then %q, want g1 then g2",
			fanout.invited[0].StudentID, fanout.invited[1].StudentID)
	}
}

func TestCreateSelectionsFanoutFailureIgnored(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	openRequest(store, "req-1")
	fanout := &fakeFanout{err: fmt.Errorf("smtp down")}
	arbiter := newTestArbiter(store, fanout)

	invited, err := arbiter.CreateSelections(context.Background(), "req-1", []string{"g1"})
	if err != nil {
		t.Fatalf("CreateSelections: %v", err)
	}
	if len(invited) != 1 {
		t.Fatalf("invited = %d, want 1", len(invited))
	}
}

func TestRespondRejectsUnknownAction(t *testing.T) {
	t.Parallel()

	arbiter := newTestArbiter(newFakeSelectionStore(), &fakeFanout{})
	_, err := arbiter.Respond(context.Background(), RespondInput{
		RequestID: "req-1", StudentID: "g1", SelectionID: "sel-1", Action: Action("snooze"),
	})
	if apperrors.CodeOf(err) != apperrors.CodeSelectionInvalidAction {
		t.Fatalf("code = %v, want SELECTION_INVALID_ACTION", apperrors.CodeOf(err))
	}
}

func TestRespondUnknownSelection(t *testing.T) {
	t.Parallel()

	arbiter := newTestArbiter(newFakeSelectionStore(), &fakeFanout{})
	_, err := arbiter.Respond(context.Background(), RespondInput{
		RequestID: "req-1", StudentID: "g1", SelectionID: "missing", Action: ActionAccept,
	})
	if apperrors.CodeOf(err) != apperrors.CodeSelectionNotFound {
		t.Fatalf("code = %v, want SELECTION_NOT_FOUND", apperrors.CodeOf(err))
	}
}

func TestRespondIdentifierMismatch(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	openRequest(store, "req-1")
	pendingSelection(store, "sel-1", "req-1", "g1")
	arbiter := newTestArbiter(store, &fakeFanout{})

	cases := []struct {
		name  string
		input RespondInput
	}{
		{"wrong request", RespondInput{RequestID: "req-2", StudentID: "g1", SelectionID: "sel-1", Action: ActionAccept}},
		{"wrong student", RespondInput{RequestID: "req-1", StudentID: "g9", SelectionID: "sel-1", Action: ActionAccept}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := arbiter.Respond(context.Background(), tc.input)
			if apperrors.CodeOf(err) != apperrors.CodeSelectionNotFound {
				t.Fatalf("code = %v, want SELECTION_NOT_FOUND", apperrors.CodeOf(err))
			}
		})
	}
}

func TestRespondAcceptWins(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	openRequest(store, "req-1")
	pendingSelection(store, "sel-1", "req-1", "g1")
	pendingSelection(store, "sel-2", "req-1", "g2")
	fanout := &fakeFanout{}
	arbiter := newTestArbiter(store, fanout)

	result, err := arbiter.Respond(context.Background(), RespondInput{
		RequestID: "req-1", StudentID: "g1", SelectionID: "sel-1", Action: ActionAccept,
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if result.Outcome != OutcomeWon {
		t.Fatalf("outcome = %q, want won", result.Outcome)
	}
	if result.Selection.Status != SelectionStatusAccepted {
		t.Fatalf("selection status = %q, want accepted", result.Selection.Status)
	}
	if store.selections["sel-2"].Status != SelectionStatusExpired {
		t.Fatalf("sibling status = %q, want expired", store.selections["sel-2"].Status)
	}
	if len(fanout.won) != 1 || fanout.won[0].ID != "sel-1" {
		t.Fatalf("fanout won = %+v, want sel-1", fanout.won)
	}
	if len(fanout.expired) != 1 || len(fanout.expired[0]) != 1 {
		t.Fatalf("fanout expired = %+v, want one sibling", fanout.expired)
	}
}

func TestRespondAcceptLosesRace(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	openRequest(store, "req-1")
	pendingSelection(store, "sel-1", "req-1", "g1")
	winner := pendingSelection(store, "sel-2", "req-1", "g2")
	winner.Status = SelectionStatusAccepted
	store.selections["sel-2"] = winner

	fanout := &fakeFanout{}
	arbiter := newTestArbiter(store, fanout)

	result, err := arbiter.Respond(context.Background(), RespondInput{
		RequestID: "req-1", StudentID: "g1", SelectionID: "sel-1", Action: ActionAccept,
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if result.Outcome != OutcomeLostRace {
		t.Fatalf("outcome = %q, want lost_race", result.Outcome)
	}
	if result.Selection.Status != SelectionStatusExpired {
		t.Fatalf("loser status = %q, want expired", result.Selection.Status)
	}
	if len(fanout.won) != 0 {
		t.Fatalf("fanout fired on a lost race: %+v", fanout.won)
	}
}

func TestRespondDecline(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	openRequest(store, "req-1")
	pendingSelection(store, "sel-1", "req-1", "g1")
	arbiter := newTestArbiter(store, &fakeFanout{})

	result, err := arbiter.Respond(context.Background(), RespondInput{
		RequestID: "req-1", StudentID: "g1", SelectionID: "sel-1", Action: ActionDecline,
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if result.Outcome != OutcomeDeclined {
		t.Fatalf("outcome = %q, want declined", result.Outcome)
	}
	if result.Selection.RespondedAt == nil {
		t.Fatal("RespondedAt not set")
	}
}

func TestRespondDeclineRace(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	openRequest(store, "req-1")
	pendingSelection(store, "sel-1", "req-1", "g1")
	store.declineMissed = true
	arbiter := newTestArbiter(store, &fakeFanout{})

	result, err := arbiter.Respond(context.Background(), RespondInput{
		RequestID: "req-1", StudentID: "g1", SelectionID: "sel-1", Action: ActionDecline,
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if result.Outcome != OutcomeAlreadyResolved {
		t.Fatalf("outcome = %q, want already_resolved", result.Outcome)
	}
}

func TestRespondTerminalSelection(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	openRequest(store, "req-1")
	selection := pendingSelection(store, "sel-1", "req-1", "g1")
	selection.Status = SelectionStatusDeclined
	store.selections["sel-1"] = selection
	arbiter := newTestArbiter(store, &fakeFanout{})

	for _, action := range []Action{ActionAccept, ActionDecline} {
		result, err := arbiter.Respond(context.Background(), RespondInput{
			RequestID: "req-1", StudentID: "g1", SelectionID: "sel-1", Action: action,
		})
		if err != nil {
			t.Fatalf("Respond(%s): %v", action, err)
		}
		if result.Outcome != OutcomeAlreadyResolved {
			t.Fatalf("Respond(%s) outcome = %q, want already_resolved", action, result.Outcome)
		}
	}
}

func TestRespondWonFanoutFailureIgnored(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	openRequest(store, "req-1")
	pendingSelection(store, "sel-1", "req-1", "g1")
	fanout := &fakeFanout{err: fmt.Errorf("smtp down")}
	arbiter := newTestArbiter(store, fanout)

	result, err := arbiter.Respond(context.Background(), RespondInput{
		RequestID: "req-1", StudentID: "g1", SelectionID: "sel-1", Action: ActionAccept,
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if result.Outcome != OutcomeWon {
		t.Fatalf("outcome = %q, want won despite fanout failure", result.Outcome)
	}
}

func TestRespondStorageTimeout(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	store.getSelErr = fmt.Errorf("query: %w", context.DeadlineExceeded)
	arbiter := newTestArbiter(store, &fakeFanout{})

	_, err := arbiter.Respond(context.Background(), RespondInput{
		RequestID: "req-1", StudentID: "g1", SelectionID: "sel-1", Action: ActionAccept,
	})
	if apperrors.CodeOf(err) != apperrors.CodeStorageTimeout {
		t.Fatalf("code = %v, want STORAGE_TIMEOUT", apperrors.CodeOf(err))
	}
}

func TestRespondTrimsIdentifiers(t *testing.T) {
	t.Parallel()

	store := newFakeSelectionStore()
	openRequest(store, "req-1")
	pendingSelection(store, "sel-1", "req-1", "g1")
	arbiter := newTestArbiter(store, &fakeFanout{})

	result, err := arbiter.Respond(context.Background(), RespondInput{
		RequestID:   " req-1 ",
		StudentID:   " g1 ",
		SelectionID: " sel-1 ",
		Action:      ActionDecline,
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if result.Outcome != OutcomeDeclined {
		t.Fatalf("outcome = %q, want declined", result.Outcome)
	}
}
