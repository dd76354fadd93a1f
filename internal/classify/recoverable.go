package classify

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
)

// Kind is the closed set of failure kinds used for recoverability decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindValidation
	KindMalformedJSON
	KindPermission
	KindUserCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindMalformedJSON:
		return "malformed_json"
	case KindPermission:
		return "permission"
	case KindUserCancelled:
		return "user_cancelled"
	default:
		return "unknown"
	}
}

// Recoverable reports whether a retry should be offered for this kind.
// Only the active-failure kinds are excluded.
func (k Kind) Recoverable() bool {
	switch k {
	case KindValidation, KindMalformedJSON, KindPermission, KindUserCancelled:
		return false
	default:
		return true
	}
}

// KindError tags an error with its kind where it is created.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err with an explicit kind. A nil err stays nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// legacyMarkers are consulted only for foreign errors that carry no kind.
var legacyMarkers = []struct {
	kind    Kind
	markers []string
}{
	{KindPermission, []string{"permission denied", "access denied", "operation not permitted"}},
	{KindMalformedJSON, []string{"invalid json", "malformed json", "unexpected end of json"}},
	{KindValidation, []string{"validation failed", "validation error"}},
}

// KindOf resolves the kind of err: an explicit KindError first, then well-known
// sentinel and typed errors, then a short list of message markers.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindUserCancelled
	}
	if errors.Is(err, fs.ErrPermission) {
		return KindPermission
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindMalformedJSON
	}

	msg := strings.ToLower(err.Error())
	for _, lm := range legacyMarkers {
		if containsAny(msg, lm.markers) {
			return lm.kind
		}
	}
	return KindUnknown
}

// IsRecoverable reports whether the failure should be offered for retry.
func IsRecoverable(err error) bool {
	return KindOf(err).Recoverable()
}
