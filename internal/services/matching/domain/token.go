package domain

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/citymate/citymate/internal/platform/errors"
)

// MinTokenSecretLen is the minimum accepted signing secret length. A
// shorter or missing secret aborts startup; it is never masked with a
// default.
const MinTokenSecretLen = 32

// tokenEncoding decodes strictly so the trailing padding bits of a
// segment's final character must be zero. Non-strict decoding would let
// distinct token strings alias the same bytes.
var tokenEncoding = base64.RawURLEncoding.Strict()

// ActionClaims is the payload of an accept/decline token. The token is
// self-contained: verification needs no session or database lookup.
type ActionClaims struct {
	RequestID   string `json:"request_id"`
	StudentID   string `json:"student_id"`
	SelectionID string `json:"selection_id"`
	Action      Action `json:"action"`
	// Exp is the expiry instant in epoch milliseconds.
	Exp int64 `json:"exp"`
}

// ViewClaims is the payload of a read-only "view my request" token.
type ViewClaims struct {
	RequestID string `json:"request_id"`
	Exp       int64  `json:"exp"`
}

// Codec mints and verifies signed action tokens. A token is
// base64url(JSON payload) + "." + base64url(HMAC-SHA256(payload segment)).
// Verification proves only that the payload was minted here and has not
// expired; whether the referenced selection is still actionable is the
// arbiter's concern.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec validates the signing secret and constructs a codec. A secret
// shorter than MinTokenSecretLen is a configuration error raised at
// startup, never caught.
func NewCodec(secret string, now func() time.Time) (*Codec, error) {
	if len(secret) < MinTokenSecretLen {
		return nil, apperrors.New(apperrors.CodeConfigInvalid,
			fmt.Sprintf("match token secret must be at least %d bytes", MinTokenSecretLen))
	}
	if now == nil {
		now = time.Now
	}
	return &Codec{secret: []byte(secret), now: now}, nil
}

// MintAction issues an accept/decline token for one selection, expiring
// after ttl.
func (c *Codec) MintAction(claims ActionClaims, ttl time.Duration) (string, error) {
	if c == nil {
		return "", fmt.Errorf("token codec is not configured")
	}
	if strings.TrimSpace(claims.RequestID) == "" {
		return "", fmt.Errorf("request id is required")
	}
	if strings.TrimSpace(claims.StudentID) == "" {
		return "", fmt.Errorf("student id is required")
	}
	if strings.TrimSpace(claims.SelectionID) == "" {
		return "", fmt.Errorf("selection id is required")
	}
	if !claims.Action.Valid() {
		return "", fmt.Errorf("action %q is unknown", claims.Action)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive")
	}
	claims.Exp = c.now().Add(ttl).UnixMilli()
	return c.seal(claims)
}

// MintView issues a read-only token scoped to one request.
func (c *Codec) MintView(requestID string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", fmt.Errorf("token codec is not configured")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return "", fmt.Errorf("request id is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive")
	}
	return c.seal(ViewClaims{
		RequestID: requestID,
		Exp:       c.now().Add(ttl).UnixMilli(),
	})
}

// VerifyAction checks signature, shape, and expiry of an action token.
// Failures collapse to TOKEN_INVALID except for a valid-but-stale token,
// which is TOKEN_EXPIRED.
func (c *Codec) VerifyAction(token string) (ActionClaims, error) {
	payload, err := c.open(token)
	if err != nil {
		return ActionClaims{}, err
	}

	var wire struct {
		RequestID   *string `json:"request_id"`
		StudentID   *string `json:"student_id"`
		SelectionID *string `json:"selection_id"`
		Action      *string `json:"action"`
		Exp         *int64  `json:"exp"`
	}
	if err := decodeStrict(payload, &wire); err != nil {
		return ActionClaims{}, errTokenInvalid("action token payload is malformed")
	}
	if wire.RequestID == nil || *wire.RequestID == "" ||
		wire.StudentID == nil || *wire.StudentID == "" ||
		wire.SelectionID == nil || *wire.SelectionID == "" ||
		wire.Action == nil || wire.Exp == nil {
		return ActionClaims{}, errTokenInvalid("action token payload is incomplete")
	}
	action := Action(*wire.Action)
	if !action.Valid() {
		return ActionClaims{}, errTokenInvalid("action token verb is unknown")
	}
	if err := c.checkExpiry(*wire.Exp); err != nil {
		return ActionClaims{}, err
	}
	return ActionClaims{
		RequestID:   *wire.RequestID,
		StudentID:   *wire.StudentID,
		SelectionID: *wire.SelectionID,
		Action:      action,
		Exp:         *wire.Exp,
	}, nil
}

// VerifyView checks signature, shape, and expiry of a view token.
func (c *Codec) VerifyView(token string) (ViewClaims, error) {
	payload, err := c.open(token)
	if err != nil {
		return ViewClaims{}, err
	}

	var wire struct {
		RequestID *string `json:"request_id"`
		Exp       *int64  `json:"exp"`
	}
	if err := decodeStrict(payload, &wire); err != nil {
		return ViewClaims{}, errTokenInvalid("view token payload is malformed")
	}
	if wire.RequestID == nil || *wire.RequestID == "" || wire.Exp == nil {
		return ViewClaims{}, errTokenInvalid("view token payload is incomplete")
	}
	if err := c.checkExpiry(*wire.Exp); err != nil {
		return ViewClaims{}, err
	}
	return ViewClaims{RequestID: *wire.RequestID, Exp: *wire.Exp}, nil
}

// seal encodes claims and appends the payload-segment signature.
func (c *Codec) seal(claims any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode token payload: %w", err)
	}
	segment := tokenEncoding.EncodeToString(payload)
	return segment + "." + tokenEncoding.EncodeToString(c.sign(segment)), nil
}

// open splits the token, verifies the signature, and returns the decoded
// payload bytes. The payload is not parsed until the signature matches.
func (c *Codec) open(token string) ([]byte, error) {
	if c == nil {
		return nil, errTokenInvalid("token codec is not configured")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, errTokenInvalid("token must have exactly two segments")
	}
	supplied, err := tokenEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errTokenInvalid("token signature segment is not base64url")
	}
	// Both digests are fixed-length SHA-256 outputs, so the comparison is
	// constant-time over equal-length inputs with no padding games.
	expected := c.sign(parts[0])
	if len(supplied) != len(expected) || !hmac.Equal(supplied, expected) {
		return nil, errTokenInvalid("token signature mismatch")
	}
	payload, err := tokenEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, errTokenInvalid("token payload segment is not base64url")
	}
	return payload, nil
}

func (c *Codec) sign(payloadSegment string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	_, _ = mac.Write([]byte(payloadSegment))
	return mac.Sum(nil)
}

func (c *Codec) checkExpiry(expMillis int64) error {
	if expMillis <= 0 {
		return errTokenInvalid("token expiry is missing")
	}
	if !time.UnixMilli(expMillis).After(c.now()) {
		return apperrors.New(apperrors.CodeTokenExpired, "token is expired")
	}
	return nil
}

// decodeStrict unmarshals JSON rejecting unknown fields and trailing data.
func decodeStrict(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after token payload")
	}
	return nil
}

func errTokenInvalid(message string) error {
	return apperrors.New(apperrors.CodeTokenInvalid, message)
}
