package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/citymate/citymate/internal/platform/errors"
	"github.com/citymate/citymate/internal/services/matching/domain"
	"github.com/citymate/citymate/internal/services/matching/storage"
)

// storeAdapter maps the domain persistence contracts onto storage records
// so the domain never sees row shapes or storage sentinels.
type storeAdapter struct {
	matchStore  storage.MatchStore
	reviewStore storage.ReviewStore
}

func newStoreAdapter(matchStore storage.MatchStore, reviewStore storage.ReviewStore) *storeAdapter {
	return &storeAdapter{matchStore: matchStore, reviewStore: reviewStore}
}

func (a *storeAdapter) PutRequest(ctx context.Context, request domain.TouristRequest) error {
	if a == nil || a.matchStore == nil {
		return domain.ErrStoreNotConfigured
	}
	return mapStorageError(a.matchStore.PutRequest(ctx, toRequestRecord(request)))
}

func (a *storeAdapter) GetRequest(ctx context.Context, requestID string) (domain.TouristRequest, error) {
	if a == nil || a.matchStore == nil {
		return domain.TouristRequest{}, domain.ErrStoreNotConfigured
	}
	record, err := a.matchStore.GetRequest(ctx, requestID)
	if err != nil {
		return domain.TouristRequest{}, mapStorageError(err)
	}
	return toDomainRequest(record), nil
}

func (a *storeAdapter) PutSelections(ctx context.Context, selections []domain.Selection) ([]string, error) {
	if a == nil || a.matchStore == nil {
		return nil, domain.ErrStoreNotConfigured
	}
	records := make([]storage.SelectionRecord, 0, len(selections))
	for _, selection := range selections {
		records = append(records, toSelectionRecord(selection))
	}
	inserted, err := a.matchStore.PutSelections(ctx, records)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return inserted, nil
}

func (a *storeAdapter) ListSelectionsByRequest(ctx context.Context, requestID string) ([]domain.Selection, error) {
	if a == nil || a.matchStore == nil {
		return nil, domain.ErrStoreNotConfigured
	}
	records, err := a.matchStore.ListSelectionsByRequest(ctx, requestID)
	if err != nil {
		return nil, mapStorageError(err)
	}
	selections := make([]domain.Selection, 0, len(records))
	for _, record := range records {
		selections = append(selections, toDomainSelection(record))
	}
	return selections, nil
}

func (a *storeAdapter) GetSelection(ctx context.Context, selectionID string) (domain.Selection, error) {
	if a == nil || a.matchStore == nil {
		return domain.Selection{}, domain.ErrStoreNotConfigured
	}
	record, err := a.matchStore.GetSelection(ctx, selectionID)
	if err != nil {
		return domain.Selection{}, mapStorageError(err)
	}
	return toDomainSelection(record), nil
}

func (a *storeAdapter) DeclineSelection(ctx context.Context, selectionID string, at time.Time) (domain.Selection, bool, error) {
	if a == nil || a.matchStore == nil {
		return domain.Selection{}, false, domain.ErrStoreNotConfigured
	}
	record, applied, err := a.matchStore.DeclineSelection(ctx, selectionID, at)
	if err != nil {
		return domain.Selection{}, false, mapStorageError(err)
	}
	return toDomainSelection(record), applied, nil
}

func (a *storeAdapter) AcceptSelection(ctx context.Context, selectionID string, requestID string, at time.Time) (domain.AcceptResult, error) {
	if a == nil || a.matchStore == nil {
		return domain.AcceptResult{}, domain.ErrStoreNotConfigured
	}
	record, err := a.matchStore.AcceptSelection(ctx, selectionID, requestID, at)
	if err != nil {
		return domain.AcceptResult{}, mapStorageError(err)
	}

	result := domain.AcceptResult{Selection: toDomainSelection(record.Selection)}
	switch record.Outcome {
	case storage.AcceptOutcomeWon:
		result.Disposition = domain.AcceptWon
	case storage.AcceptOutcomeLostRace:
		result.Disposition = domain.AcceptLostRace
	default:
		result.Disposition = domain.AcceptAlreadyResolved
	}
	for _, sibling := range record.Expired {
		result.Expired = append(result.Expired, toDomainSelection(sibling))
	}
	return result, nil
}

func (a *storeAdapter) CreateReview(ctx context.Context, review domain.Review, recompute func(stats []domain.ReviewStat) domain.StudentMetrics) (domain.StudentMetrics, error) {
	if a == nil || a.reviewStore == nil {
		return domain.StudentMetrics{}, domain.ErrStoreNotConfigured
	}
	record, err := toReviewRecord(review)
	if err != nil {
		return domain.StudentMetrics{}, err
	}
	metrics, err := a.reviewStore.CreateReview(ctx, record, func(stats []storage.ReviewStatRecord) storage.MetricsRecord {
		domainStats := make([]domain.ReviewStat, 0, len(stats))
		for _, stat := range stats {
			domainStats = append(domainStats, domain.ReviewStat{Rating: stat.Rating, NoShow: stat.NoShow})
		}
		return toMetricsRecord(recompute(domainStats))
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return domain.StudentMetrics{}, apperrors.New(apperrors.CodeReviewConflict, "a review already exists for this request")
		}
		return domain.StudentMetrics{}, mapStorageError(err)
	}
	return toDomainMetrics(metrics), nil
}

func (a *storeAdapter) GetStudentMetrics(ctx context.Context, studentID string) (domain.StudentMetrics, error) {
	if a == nil || a.reviewStore == nil {
		return domain.StudentMetrics{}, domain.ErrStoreNotConfigured
	}
	record, err := a.reviewStore.GetStudentMetrics(ctx, studentID)
	if err != nil {
		return domain.StudentMetrics{}, mapStorageError(err)
	}
	return toDomainMetrics(record), nil
}

func toRequestRecord(request domain.TouristRequest) storage.RequestRecord {
	return storage.RequestRecord{
		ID:        request.ID,
		TouristID: request.TouristID,
		City:      request.City,
		StartDate: request.StartDate,
		EndDate:   request.EndDate,
		Status:    storage.RequestStatus(request.Status),
		CreatedAt: request.CreatedAt,
		UpdatedAt: request.UpdatedAt,
	}
}

func toDomainRequest(record storage.RequestRecord) domain.TouristRequest {
	return domain.TouristRequest{
		ID:        record.ID,
		TouristID: record.TouristID,
		City:      record.City,
		StartDate: record.StartDate,
		EndDate:   record.EndDate,
		Status:    domain.RequestStatus(record.Status),
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}

func toSelectionRecord(selection domain.Selection) storage.SelectionRecord {
	return storage.SelectionRecord{
		ID:          selection.ID,
		RequestID:   selection.RequestID,
		StudentID:   selection.StudentID,
		Status:      storage.SelectionStatus(selection.Status),
		CreatedAt:   selection.CreatedAt,
		RespondedAt: selection.RespondedAt,
	}
}

func toDomainSelection(record storage.SelectionRecord) domain.Selection {
	return domain.Selection{
		ID:          record.ID,
		RequestID:   record.RequestID,
		StudentID:   record.StudentID,
		Status:      domain.SelectionStatus(record.Status),
		CreatedAt:   record.CreatedAt,
		RespondedAt: record.RespondedAt,
	}
}

func toReviewRecord(review domain.Review) (storage.ReviewRecord, error) {
	attributeList := review.Attributes
	if attributeList == nil {
		attributeList = []domain.Attribute{}
	}
	attributes, err := json.Marshal(attributeList)
	if err != nil {
		return storage.ReviewRecord{}, fmt.Errorf("marshal review attributes: %w", err)
	}
	return storage.ReviewRecord{
		ID:             review.ID,
		RequestID:      review.RequestID,
		StudentID:      review.StudentID,
		Rating:         review.Rating,
		Body:           review.Text,
		AttributesJSON: string(attributes),
		NoShow:         review.NoShow,
		PricePaid:      review.PricePaid,
		CreatedAt:      review.CreatedAt,
	}, nil
}

func toMetricsRecord(metrics domain.StudentMetrics) storage.MetricsRecord {
	return storage.MetricsRecord{
		StudentID:      metrics.StudentID,
		AverageRating:  metrics.AverageRating,
		CompletionRate: metrics.CompletionRate,
		TripsHosted:    metrics.TripsHosted,
		NoShowCount:    metrics.NoShowCount,
		Badge:          string(metrics.Badge),
		UpdatedAt:      metrics.UpdatedAt,
	}
}

func toDomainMetrics(record storage.MetricsRecord) domain.StudentMetrics {
	return domain.StudentMetrics{
		StudentID:      record.StudentID,
		AverageRating:  record.AverageRating,
		CompletionRate: record.CompletionRate,
		TripsHosted:    record.TripsHosted,
		NoShowCount:    record.NoShowCount,
		Badge:          domain.Badge(record.Badge),
		UpdatedAt:      record.UpdatedAt,
	}
}

func mapStorageError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.Wrap(apperrors.CodeNotFound, "record not found", err)
	case errors.Is(err, storage.ErrConflict):
		return apperrors.Wrap(apperrors.CodeReviewConflict, "record conflict", err)
	case errors.Is(err, storage.ErrBusy):
		return apperrors.Wrap(apperrors.CodeStorageTimeout, "storage is busy", err)
	default:
		return err
	}
}
