// Package api exposes the matching service over HTTP. Guides act through
// signed tokens delivered by email; collaborator systems act through
// service grants. Every response body is JSON.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/citymate/citymate/internal/platform/errors"
	"github.com/citymate/citymate/internal/platform/httpx"
	"github.com/citymate/citymate/internal/platform/metrics"
	"github.com/citymate/citymate/internal/services/matching/domain"
)

// maxBodyBytes caps request bodies; every payload here is small JSON.
const maxBodyBytes = 64 << 10

// Handler serves the matching HTTP API.
type Handler struct {
	arbiter *domain.Arbiter
	scorer  *domain.Scorer
	codec   *domain.Codec
	grants  GrantConfig
	logf    func(format string, args ...any)
	tracer  trace.Tracer
}

// Config carries the dependencies the handler needs.
type Config struct {
	Arbiter *domain.Arbiter
	Scorer  *domain.Scorer
	Codec   *domain.Codec
	Grants  GrantConfig
	Logf    func(format string, args ...any)
}

// New validates dependencies and constructs the handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Arbiter == nil {
		return nil, fmt.Errorf("arbiter is required")
	}
	if cfg.Scorer == nil {
		return nil, fmt.Errorf("scorer is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Handler{
		arbiter: cfg.Arbiter,
		scorer:  cfg.Scorer,
		codec:   cfg.Codec,
		grants:  cfg.Grants,
		logf:    logf,
		tracer:  otel.Tracer("citymate/matching/api"),
	}, nil
}

// Routes assembles the API mux with the shared middleware chain.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/respond", httpx.Chain(
		http.HandlerFunc(h.handleRespond),
		httpx.RequireMethod(http.MethodPost),
	))
	mux.Handle("/v1/requests/{id}", httpx.Chain(
		http.HandlerFunc(h.handleViewRequest),
		httpx.RequireMethod(http.MethodGet),
	))
	mux.Handle("/v1/requests", httpx.Chain(
		http.HandlerFunc(h.handleCreateRequest),
		httpx.RequireMethod(http.MethodPost),
	))
	mux.Handle("/v1/reviews", httpx.Chain(
		http.HandlerFunc(h.handleCreateReview),
		httpx.RequireMethod(http.MethodPost),
	))
	return httpx.Chain(mux,
		httpx.RecoverPanic(),
		httpx.RequestID(),
		httpx.RequestLogger(h.logf),
	)
}

type respondPayload struct {
	Token string `json:"token"`
}

type selectionPayload struct {
	ID          string  `json:"id"`
	RequestID   string  `json:"request_id"`
	StudentID   string  `json:"student_id"`
	Status      string  `json:"status"`
	RespondedAt *string `json:"responded_at,omitempty"`
}

type respondResponse struct {
	Outcome   string           `json:"outcome"`
	Selection selectionPayload `json:"selection"`
}

// handleRespond resolves a guide's accept or decline. The token arrives in
// the request body because browser pages keep it in the URL fragment,
// which never reaches server logs.
func (h *Handler) handleRespond(w http.ResponseWriter, r *http.Request) {
	const route = "/v1/respond"
	ctx, span := h.tracer.Start(httpx.RequestContext(r), "matching.respond")
	defer span.End()

	var payload respondPayload
	if err := decodeBody(r, &payload); err != nil {
		h.writeError(w, r, route, apperrors.Wrap(apperrors.CodeTokenInvalid, "respond body is malformed", err))
		return
	}
	claims, err := h.codec.VerifyAction(payload.Token)
	if err != nil {
		metrics.RecordTokenFailure(tokenFailureReason(err))
		h.writeError(w, r, route, err)
		return
	}

	result, err := h.arbiter.Respond(ctx, domain.RespondInput{
		SelectionID: claims.SelectionID,
		RequestID:   claims.RequestID,
		StudentID:   claims.StudentID,
		Action:      claims.Action,
	})
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeSelectionNotFound {
			metrics.RecordTokenFailure(tokenFailureReason(err))
		}
		h.writeError(w, r, route, err)
		return
	}

	metrics.RecordRespondOutcome(string(result.Outcome))
	h.writeJSON(w, route, http.StatusOK, respondResponse{
		Outcome:   string(result.Outcome),
		Selection: toSelectionPayload(result.Selection),
	})
}

type requestPayload struct {
	ID        string `json:"id"`
	TouristID string `json:"tourist_id"`
	City      string `json:"city"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Status    string `json:"status"`
}

type metricsPayload struct {
	StudentID      string   `json:"student_id"`
	AverageRating  *float64 `json:"average_rating"`
	CompletionRate float64  `json:"completion_rate"`
	TripsHosted    int      `json:"trips_hosted"`
	NoShowCount    int      `json:"no_show_count"`
	Badge          string   `json:"badge"`
}

type viewRequestResponse struct {
	Request      requestPayload     `json:"request"`
	Selections   []selectionPayload `json:"selections"`
	GuideMetrics *metricsPayload    `json:"guide_metrics,omitempty"`
}

// handleViewRequest returns a tourist's request with selection states and,
// once matched, the winning guide's track record.
func (h *Handler) handleViewRequest(w http.ResponseWriter, r *http.Request) {
	const route = "/v1/requests/{id}"
	ctx, span := h.tracer.Start(httpx.RequestContext(r), "matching.view_request")
	defer span.End()

	requestID := strings.TrimSpace(r.PathValue("id"))
	token := bearerToken(r)
	if token == "" {
		var payload respondPayload
		if err := decodeBody(r, &payload); err == nil {
			token = payload.Token
		}
	}
	claims, err := h.codec.VerifyView(token)
	if err != nil {
		metrics.RecordTokenFailure(tokenFailureReason(err))
		h.writeError(w, r, route, err)
		return
	}
	if claims.RequestID != requestID {
		err := apperrors.New(apperrors.CodeTokenInvalid, "view token is scoped to a different request")
		metrics.RecordTokenFailure(tokenFailureReason(err))
		h.writeError(w, r, route, err)
		return
	}

	request, selections, err := h.arbiter.RequestSummary(ctx, requestID)
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}

	response := viewRequestResponse{
		Request:    toRequestPayload(request),
		Selections: make([]selectionPayload, 0, len(selections)),
	}
	for _, selection := range selections {
		response.Selections = append(response.Selections, toSelectionPayload(selection))
		if selection.Status != domain.SelectionStatusAccepted {
			continue
		}
		snapshot, err := h.scorer.StudentMetrics(ctx, selection.StudentID)
		if err != nil {
			// The view still renders without the snapshot.
			h.logf("matching: load metrics for guide %s: %v", selection.StudentID, err)
			continue
		}
		payload := toMetricsPayload(snapshot)
		response.GuideMetrics = &payload
	}
	h.writeJSON(w, route, http.StatusOK, response)
}

type createRequestPayload struct {
	TouristID string   `json:"tourist_id"`
	City      string   `json:"city"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	GuideIDs  []string `json:"guide_ids"`
}

type createRequestResponse struct {
	Request    requestPayload     `json:"request"`
	Selections []selectionPayload `json:"selections"`
}

// handleCreateRequest is the intake entry point: it registers the request
// and fans invitations out to the candidate guides in one call.
func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	const route = "/v1/requests"
	ctx, span := h.tracer.Start(httpx.RequestContext(r), "matching.create_request")
	defer span.End()

	if _, err := ValidateServiceGrant(bearerToken(r), ScopeIntake, h.grants); err != nil {
		h.writeError(w, r, route, err)
		return
	}

	var payload createRequestPayload
	if err := decodeBody(r, &payload); err != nil {
		h.writeError(w, r, route, apperrors.Wrap(apperrors.CodeRequestEmptyID, "request body is malformed", err))
		return
	}
	startDate, err := parseDate(payload.StartDate)
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}
	endDate, err := parseDate(payload.EndDate)
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}

	request, err := h.arbiter.CreateRequest(ctx, domain.TouristRequest{
		TouristID: payload.TouristID,
		City:      payload.City,
		StartDate: startDate,
		EndDate:   endDate,
	})
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}
	selections, err := h.arbiter.CreateSelections(ctx, request.ID, payload.GuideIDs)
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}

	response := createRequestResponse{
		Request:    toRequestPayload(request),
		Selections: make([]selectionPayload, 0, len(selections)),
	}
	for _, selection := range selections {
		response.Selections = append(response.Selections, toSelectionPayload(selection))
	}
	h.writeJSON(w, route, http.StatusCreated, response)
}

type createReviewPayload struct {
	RequestID  string   `json:"request_id"`
	StudentID  string   `json:"student_id"`
	Rating     int      `json:"rating"`
	Text       string   `json:"text"`
	Attributes []string `json:"attributes"`
	NoShow     bool     `json:"no_show"`
	PricePaid  *float64 `json:"price_paid"`
}

type createReviewResponse struct {
	Metrics metricsPayload `json:"metrics"`
}

// handleCreateReview records one review and returns the guide's metrics as
// recomputed in the same transaction.
func (h *Handler) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	const route = "/v1/reviews"
	ctx, span := h.tracer.Start(httpx.RequestContext(r), "matching.create_review")
	defer span.End()

	if _, err := ValidateServiceGrant(bearerToken(r), ScopeReview, h.grants); err != nil {
		h.writeError(w, r, route, err)
		return
	}

	var payload createReviewPayload
	if err := decodeBody(r, &payload); err != nil {
		h.writeError(w, r, route, apperrors.Wrap(apperrors.CodeReviewEmptyRequestID, "review body is malformed", err))
		return
	}
	attributes := make([]domain.Attribute, 0, len(payload.Attributes))
	for _, attribute := range payload.Attributes {
		attributes = append(attributes, domain.Attribute(attribute))
	}

	snapshot, err := h.scorer.CreateReview(ctx, domain.Review{
		RequestID:  payload.RequestID,
		StudentID:  payload.StudentID,
		Rating:     payload.Rating,
		Text:       payload.Text,
		Attributes: attributes,
		NoShow:     payload.NoShow,
		PricePaid:  payload.PricePaid,
	})
	if err != nil {
		h.writeError(w, r, route, err)
		return
	}

	metrics.RecordReviewCreated()
	h.writeJSON(w, route, http.StatusCreated, createReviewResponse{Metrics: toMetricsPayload(snapshot)})
}

// writeJSON writes a success body and counts the request.
func (h *Handler) writeJSON(w http.ResponseWriter, route string, status int, payload any) {
	metrics.RecordHTTPRequest(route, strconv.Itoa(status))
	if err := httpx.WriteJSON(w, status, payload); err != nil {
		h.logf("matching: write response route=%s: %v", route, err)
	}
}

// writeError logs the internal failure and writes the sanitized external
// body. SELECTION_NOT_FOUND deliberately serializes as TOKEN_INVALID so
// callers cannot probe which identifiers exist.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, route string, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.HTTPStatus(err)
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}
	h.logf("matching: request failed route=%s request_id=%s code=%s err=%v", route, requestID, code, err)

	metrics.RecordHTTPRequest(route, strconv.Itoa(status))
	if writeErr := httpx.WriteJSONError(w, status, externalCategory(code), publicMessage(code)); writeErr != nil {
		h.logf("matching: write error response route=%s: %v", route, writeErr)
	}
}

// externalCategory collapses internal codes into the client-facing error
// category.
func externalCategory(code apperrors.Code) string {
	switch code {
	case apperrors.CodeSelectionNotFound:
		return string(apperrors.CodeTokenInvalid)
	case apperrors.CodeUnknown:
		return "INTERNAL"
	default:
		return string(code)
	}
}

// publicMessage maps a code to a message safe to echo to clients.
func publicMessage(code apperrors.Code) string {
	switch code {
	case apperrors.CodeTokenInvalid, apperrors.CodeSelectionNotFound:
		return "the provided token is not valid"
	case apperrors.CodeTokenExpired:
		return "the provided token has expired"
	case apperrors.CodeGrantInvalid, apperrors.CodeGrantExpired:
		return "the service grant was rejected"
	case apperrors.CodeGrantMismatch:
		return "the service grant does not permit this operation"
	case apperrors.CodeReviewConflict:
		return "a review already exists for this request"
	case apperrors.CodeRequestAlreadyMatched:
		return "the request already has a confirmed guide"
	case apperrors.CodeNotFound:
		return "the requested resource was not found"
	case apperrors.CodeStorageTimeout:
		return "the service is temporarily unavailable, retry shortly"
	case apperrors.CodeRequestEmptyID,
		apperrors.CodeRequestEmptyCity,
		apperrors.CodeRequestInvalidDates,
		apperrors.CodeRequestNoCandidates,
		apperrors.CodeSelectionInvalidAction,
		apperrors.CodeReviewInvalidRating,
		apperrors.CodeReviewTextTooLong,
		apperrors.CodeReviewUnknownAttribute,
		apperrors.CodeReviewInvalidPrice,
		apperrors.CodeReviewEmptyRequestID,
		apperrors.CodeReviewEmptyStudentID:
		return "the request payload failed validation"
	default:
		return "an internal error occurred"
	}
}

// tokenFailureReason labels a verification failure for the metrics counter.
func tokenFailureReason(err error) string {
	return strings.ToLower(string(apperrors.CodeOf(err)))
}

// bearerToken extracts a bearer credential from the Authorization header.
func bearerToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// decodeBody reads a small JSON body, rejecting unknown fields and
// trailing content.
func decodeBody(r *http.Request, target any) error {
	if r == nil || r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("trailing data after request body")
	}
	return nil
}

// parseDate accepts calendar dates; trip boundaries carry no time of day.
func parseDate(value string) (time.Time, error) {
	parsed, err := time.Parse(time.DateOnly, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, apperrors.Wrap(apperrors.CodeRequestInvalidDates,
			"dates must use YYYY-MM-DD", err)
	}
	return parsed.UTC(), nil
}

func toSelectionPayload(selection domain.Selection) selectionPayload {
	payload := selectionPayload{
		ID:        selection.ID,
		RequestID: selection.RequestID,
		StudentID: selection.StudentID,
		Status:    string(selection.Status),
	}
	if selection.RespondedAt != nil {
		formatted := selection.RespondedAt.UTC().Format(time.RFC3339)
		payload.RespondedAt = &formatted
	}
	return payload
}

func toRequestPayload(request domain.TouristRequest) requestPayload {
	return requestPayload{
		ID:        request.ID,
		TouristID: request.TouristID,
		City:      request.City,
		StartDate: request.StartDate.UTC().Format(time.DateOnly),
		EndDate:   request.EndDate.UTC().Format(time.DateOnly),
		Status:    string(request.Status),
	}
}

func toMetricsPayload(snapshot domain.StudentMetrics) metricsPayload {
	return metricsPayload{
		StudentID:      snapshot.StudentID,
		AverageRating:  snapshot.AverageRating,
		CompletionRate: snapshot.CompletionRate,
		TripsHosted:    snapshot.TripsHosted,
		NoShowCount:    snapshot.NoShowCount,
		Badge:          string(snapshot.Badge),
	}
}
