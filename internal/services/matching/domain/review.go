package domain

import (
	"context"
	"time"
)

// Attribute is one entry of the closed review-attribute vocabulary.
// Unknown attributes are rejected at review creation, so stored rows only
// ever contain these values.
type Attribute string

const (
	AttributeKnowledgeable  Attribute = "knowledgeable"
	AttributeFriendly       Attribute = "friendly"
	AttributePunctual       Attribute = "punctual"
	AttributeFlexible       Attribute = "flexible"
	AttributeGreatItinerary Attribute = "great_itinerary"
	AttributeGoodValue      Attribute = "good_value"
)

// Valid reports whether the attribute belongs to the vocabulary.
func (a Attribute) Valid() bool {
	switch a {
	case AttributeKnowledgeable, AttributeFriendly, AttributePunctual,
		AttributeFlexible, AttributeGreatItinerary, AttributeGoodValue:
		return true
	}
	return false
}

// MaxReviewTextLen bounds the free-text portion of a review.
const MaxReviewTextLen = 500

// Review is a tourist's immutable assessment of one hosted trip. At most
// one review per request, enforced by storage.
type Review struct {
	ID         string
	RequestID  string
	StudentID  string
	Rating     int
	Text       string
	Attributes []Attribute
	NoShow     bool
	PricePaid  *float64
	CreatedAt  time.Time
}

// ReviewStat is the slice of a review the metrics recompute consumes.
type ReviewStat struct {
	Rating int
	NoShow bool
}

// Badge is the tiered reliability summary shown next to a guide.
type Badge string

const (
	BadgeBronze Badge = "bronze"
	BadgeSilver Badge = "silver"
	BadgeGold   Badge = "gold"
)

// StudentMetrics is derived state, recomputed in full from every review
// the guide has. AverageRating is nil until the first review lands.
type StudentMetrics struct {
	StudentID      string
	AverageRating  *float64
	CompletionRate float64
	TripsHosted    int
	NoShowCount    int
	Badge          Badge
	UpdatedAt      time.Time
}

// ReviewStore persists reviews and derived metrics. CreateReview must run
// the insert, the stat load, and the metrics write in one transaction:
// recompute receives every stat for the review's guide including the row
// being inserted, and the metrics it returns commit atomically with the
// review. A duplicate request id surfaces as a REVIEW_CONFLICT error.
type ReviewStore interface {
	CreateReview(ctx context.Context, review Review, recompute func(stats []ReviewStat) StudentMetrics) (StudentMetrics, error)
	GetStudentMetrics(ctx context.Context, studentID string) (StudentMetrics, error)
}
