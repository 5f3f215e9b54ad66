// Package errors provides structured, coded error handling for the
// matching service.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Token errors. A selection lookup miss deliberately shares the
	// TOKEN_INVALID surface so callers cannot probe which identifiers exist.
	CodeTokenInvalid      Code = "TOKEN_INVALID"
	CodeTokenExpired      Code = "TOKEN_EXPIRED"
	CodeSelectionNotFound Code = "SELECTION_NOT_FOUND"

	// Service grant errors
	CodeGrantInvalid  Code = "GRANT_INVALID"
	CodeGrantExpired  Code = "GRANT_EXPIRED"
	CodeGrantMismatch Code = "GRANT_MISMATCH"

	// Request intake errors
	CodeRequestEmptyID         Code = "REQUEST_EMPTY_ID"
	CodeRequestEmptyCity       Code = "REQUEST_EMPTY_CITY"
	CodeRequestInvalidDates    Code = "REQUEST_INVALID_DATES"
	CodeRequestNoCandidates    Code = "REQUEST_NO_CANDIDATES"
	CodeRequestAlreadyMatched  Code = "REQUEST_ALREADY_MATCHED"
	CodeSelectionInvalidAction Code = "SELECTION_INVALID_ACTION"

	// Review errors
	CodeReviewConflict         Code = "REVIEW_CONFLICT"
	CodeReviewInvalidRating    Code = "REVIEW_INVALID_RATING"
	CodeReviewTextTooLong      Code = "REVIEW_TEXT_TOO_LONG"
	CodeReviewUnknownAttribute Code = "REVIEW_UNKNOWN_ATTRIBUTE"
	CodeReviewInvalidPrice     Code = "REVIEW_INVALID_PRICE"
	CodeReviewEmptyRequestID   Code = "REVIEW_EMPTY_REQUEST_ID"
	CodeReviewEmptyStudentID   Code = "REVIEW_EMPTY_STUDENT_ID"

	// Storage errors
	CodeNotFound       Code = "NOT_FOUND"
	CodeStorageTimeout Code = "STORAGE_TIMEOUT"

	// Configuration errors, raised at process start and never caught.
	CodeConfigInvalid Code = "CONFIG_INVALID"
)

// GRPCCode maps domain codes to canonical gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// Unauthenticated - credential failures. SELECTION_NOT_FOUND maps to
	// the same canonical code as TOKEN_INVALID so the two are externally
	// indistinguishable.
	case CodeTokenInvalid,
		CodeTokenExpired,
		CodeSelectionNotFound,
		CodeGrantInvalid,
		CodeGrantExpired:
		return codes.Unauthenticated

	// PermissionDenied - valid credential, wrong audience or identity
	case CodeGrantMismatch:
		return codes.PermissionDenied

	// InvalidArgument - validation failures, bad input
	case CodeRequestEmptyID,
		CodeRequestEmptyCity,
		CodeRequestInvalidDates,
		CodeRequestNoCandidates,
		CodeSelectionInvalidAction,
		CodeReviewInvalidRating,
		CodeReviewTextTooLong,
		CodeReviewUnknownAttribute,
		CodeReviewInvalidPrice,
		CodeReviewEmptyRequestID,
		CodeReviewEmptyStudentID:
		return codes.InvalidArgument

	// AlreadyExists - uniqueness conflicts
	case CodeReviewConflict:
		return codes.AlreadyExists

	// FailedPrecondition - state disallows the operation
	case CodeRequestAlreadyMatched:
		return codes.FailedPrecondition

	case CodeNotFound:
		return codes.NotFound

	// Unavailable - transient storage failures, retryable by the caller
	case CodeStorageTimeout:
		return codes.Unavailable

	case CodeConfigInvalid:
		return codes.FailedPrecondition

	default:
		return codes.Internal
	}
}
