package domain

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/citymate/citymate/internal/platform/errors"
	"github.com/citymate/citymate/internal/platform/id"
	"github.com/citymate/citymate/internal/platform/timeouts"
)

// Scorer validates incoming reviews and keeps each guide's derived
// metrics in step with their full review history.
type Scorer struct {
	store ReviewStore
	clock func() time.Time
	newID func() (string, error)
}

// NewScorer constructs the review use-cases.
func NewScorer(store ReviewStore, clock func() time.Time, newID func() (string, error)) *Scorer {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Scorer{store: store, clock: clock, newID: newID}
}

// CreateReview validates and persists a review, returning the guide's
// metrics as recomputed in the same transaction as the insert.
func (s *Scorer) CreateReview(ctx context.Context, review Review) (StudentMetrics, error) {
	if s == nil || s.store == nil {
		return StudentMetrics{}, ErrStoreNotConfigured
	}
	review.RequestID = strings.TrimSpace(review.RequestID)
	review.StudentID = strings.TrimSpace(review.StudentID)
	review.Text = strings.TrimSpace(review.Text)
	if err := validateReview(review); err != nil {
		return StudentMetrics{}, err
	}
	if strings.TrimSpace(review.ID) == "" {
		reviewID, err := s.newID()
		if err != nil {
			return StudentMetrics{}, err
		}
		review.ID = reviewID
	}
	now := s.clock().UTC()
	review.CreatedAt = now

	ctx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	defer cancel()

	metrics, err := s.store.CreateReview(ctx, review, func(stats []ReviewStat) StudentMetrics {
		return ComputeMetrics(review.StudentID, stats, now)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return StudentMetrics{}, apperrors.Wrap(apperrors.CodeStorageTimeout, "create review timed out", err)
		}
		return StudentMetrics{}, err
	}
	return metrics, nil
}

// StudentMetrics returns the stored derived metrics for a guide. A guide
// with no reviews yet gets the zero-history metrics rather than an error.
func (s *Scorer) StudentMetrics(ctx context.Context, studentID string) (StudentMetrics, error) {
	if s == nil || s.store == nil {
		return StudentMetrics{}, ErrStoreNotConfigured
	}
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return StudentMetrics{}, apperrors.New(apperrors.CodeReviewEmptyStudentID, "student id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.Storage)
	defer cancel()

	metrics, err := s.store.GetStudentMetrics(ctx, studentID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return ComputeMetrics(studentID, nil, s.clock().UTC()), nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return StudentMetrics{}, apperrors.Wrap(apperrors.CodeStorageTimeout, "load metrics timed out", err)
		}
		return StudentMetrics{}, err
	}
	return metrics, nil
}

func validateReview(review Review) error {
	if review.RequestID == "" {
		return apperrors.New(apperrors.CodeReviewEmptyRequestID, "review request id is required")
	}
	if review.StudentID == "" {
		return apperrors.New(apperrors.CodeReviewEmptyStudentID, "review student id is required")
	}
	if review.Rating < 1 || review.Rating > 5 {
		return apperrors.WithMetadata(apperrors.CodeReviewInvalidRating,
			"review rating must be between 1 and 5",
			map[string]string{"rating": strconv.Itoa(review.Rating)})
	}
	if utf8.RuneCountInString(review.Text) > MaxReviewTextLen {
		return apperrors.New(apperrors.CodeReviewTextTooLong, "review text exceeds the length limit")
	}
	for _, attribute := range review.Attributes {
		if !attribute.Valid() {
			return apperrors.WithMetadata(apperrors.CodeReviewUnknownAttribute,
				"review attribute is not recognized",
				map[string]string{"attribute": string(attribute)})
		}
	}
	if review.PricePaid != nil && *review.PricePaid < 0 {
		return apperrors.New(apperrors.CodeReviewInvalidPrice, "review price cannot be negative")
	}
	return nil
}

// ComputeMetrics derives a guide's metrics from their complete review
// history. Pure: storage invokes it mid-transaction so that metrics can
// never be observed stale relative to a committed review.
func ComputeMetrics(studentID string, stats []ReviewStat, at time.Time) StudentMetrics {
	metrics := StudentMetrics{
		StudentID: studentID,
		Badge:     BadgeBronze,
		UpdatedAt: at,
	}
	total := len(stats)
	if total == 0 {
		return metrics
	}

	sum := 0
	hosted := 0
	for _, stat := range stats {
		sum += stat.Rating
		if stat.NoShow {
			metrics.NoShowCount++
		} else {
			hosted++
		}
	}
	average := float64(sum) / float64(total)
	metrics.AverageRating = &average
	metrics.TripsHosted = hosted
	metrics.CompletionRate = 100 * float64(hosted) / float64(total)

	switch {
	case metrics.CompletionRate >= 95 && total >= 10:
		metrics.Badge = BadgeGold
	case metrics.CompletionRate >= 90 && total >= 5:
		metrics.Badge = BadgeSilver
	}
	return metrics
}
