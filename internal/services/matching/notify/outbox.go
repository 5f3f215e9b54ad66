// Package notify queues and dispatches the emails produced by match
// arbitration. Emails go through a persistent outbox so a send failure
// never reaches the arbiter: enqueue is the only fallible step the
// arbiter sees, and even that is logged rather than propagated.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/citymate/citymate/internal/platform/id"
	"github.com/citymate/citymate/internal/services/matching/domain"
	"github.com/citymate/citymate/internal/services/matching/storage"
)

// Email kinds carried in the outbox.
const (
	KindGuideInvited    = "guide_invited"
	KindTouristAccepted = "tourist_accepted"
	KindGuideFilled     = "guide_filled"
)

// Outbox turns fanout events into queued emails with pre-minted action
// links. It implements the arbiter's fanout contract.
type Outbox struct {
	store       storage.EmailStore
	codec       *domain.Codec
	linkBaseURL string
	actionTTL   time.Duration
	viewTTL     time.Duration
	clock       func() time.Time
	newID       func() (string, error)
}

// OutboxConfig wires an Outbox.
type OutboxConfig struct {
	Store       storage.EmailStore
	Codec       *domain.Codec
	LinkBaseURL string
	ActionTTL   time.Duration
	ViewTTL     time.Duration
	Clock       func() time.Time
	NewID       func() (string, error)
}

// NewOutbox constructs an Outbox.
func NewOutbox(cfg OutboxConfig) (*Outbox, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("email store is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.LinkBaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("link base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse link base url: %w", err)
	}
	if cfg.ActionTTL <= 0 {
		cfg.ActionTTL = 72 * time.Hour
	}
	if cfg.ViewTTL <= 0 {
		cfg.ViewTTL = 30 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewID
	}
	return &Outbox{
		store:       cfg.Store,
		codec:       cfg.Codec,
		linkBaseURL: baseURL,
		actionTTL:   cfg.ActionTTL,
		viewTTL:     cfg.ViewTTL,
		clock:       cfg.Clock,
		newID:       cfg.NewID,
	}, nil
}

// GuideInvited queues the invitation email for one candidate guide. The
// accept and decline links embed single-purpose signed tokens in the URL
// fragment so they never appear in intermediary HTTP logs.
func (o *Outbox) GuideInvited(ctx context.Context, request domain.TouristRequest, selection domain.Selection) error {
	acceptToken, err := o.mintAction(request, selection, domain.ActionAccept)
	if err != nil {
		return err
	}
	declineToken, err := o.mintAction(request, selection, domain.ActionDecline)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{
		"city":        request.City,
		"start_date":  request.StartDate.UTC().Format(time.DateOnly),
		"end_date":    request.EndDate.UTC().Format(time.DateOnly),
		"accept_url":  o.respondURL(acceptToken),
		"decline_url": o.respondURL(declineToken),
	})
	if err != nil {
		return fmt.Errorf("marshal invitation payload: %w", err)
	}

	email, err := o.newEmail(KindGuideInvited, selection.StudentID, selection.ID, request.ID, string(payload))
	if err != nil {
		return err
	}
	return o.enqueue(ctx, []storage.EmailRecord{email})
}

// MatchWon queues the post-arbitration emails: the tourist learns their
// trip is matched, and every guide expired by the win learns the request
// is filled.
func (o *Outbox) MatchWon(ctx context.Context, request domain.TouristRequest, winner domain.Selection, expired []domain.Selection) error {
	viewToken, err := o.codec.MintView(request.ID, o.viewTTL)
	if err != nil {
		return fmt.Errorf("mint view token: %w", err)
	}
	touristPayload, err := json.Marshal(map[string]string{
		"city":     request.City,
		"guide_id": winner.StudentID,
		"view_url": o.viewURL(request.ID, viewToken),
	})
	if err != nil {
		return fmt.Errorf("marshal acceptance payload: %w", err)
	}

	touristEmail, err := o.newEmail(KindTouristAccepted, request.TouristID, winner.ID, request.ID, string(touristPayload))
	if err != nil {
		return err
	}
	emails := []storage.EmailRecord{touristEmail}

	filledPayload, err := json.Marshal(map[string]string{"city": request.City})
	if err != nil {
		return fmt.Errorf("marshal filled payload: %w", err)
	}
	for _, loser := range expired {
		email, emailErr := o.newEmail(KindGuideFilled, loser.StudentID, loser.ID, request.ID, string(filledPayload))
		if emailErr != nil {
			return emailErr
		}
		emails = append(emails, email)
	}
	return o.enqueue(ctx, emails)
}

func (o *Outbox) mintAction(request domain.TouristRequest, selection domain.Selection, action domain.Action) (string, error) {
	token, err := o.codec.MintAction(domain.ActionClaims{
		RequestID:   request.ID,
		StudentID:   selection.StudentID,
		SelectionID: selection.ID,
		Action:      action,
	}, o.actionTTL)
	if err != nil {
		return "", fmt.Errorf("mint %s token: %w", action, err)
	}
	return token, nil
}

func (o *Outbox) respondURL(token string) string {
	return o.linkBaseURL + "/respond#token=" + token
}

func (o *Outbox) viewURL(requestID string, token string) string {
	return o.linkBaseURL + "/requests/" + url.PathEscape(requestID) + "#token=" + token
}

func (o *Outbox) newEmail(kind string, recipient string, selectionID string, requestID string, payloadJSON string) (storage.EmailRecord, error) {
	emailID, err := o.newID()
	if err != nil {
		return storage.EmailRecord{}, fmt.Errorf("new email id: %w", err)
	}
	now := o.clock().UTC()
	return storage.EmailRecord{
		ID:            emailID,
		Kind:          kind,
		Recipient:     recipient,
		SelectionID:   selectionID,
		RequestID:     requestID,
		PayloadJSON:   payloadJSON,
		Status:        storage.EmailStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (o *Outbox) enqueue(ctx context.Context, emails []storage.EmailRecord) error {
	if err := o.store.EnqueueEmails(ctx, emails); err != nil {
		return fmt.Errorf("enqueue emails: %w", err)
	}
	return nil
}
