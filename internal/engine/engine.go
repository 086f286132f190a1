// Package engine invokes the external face-recognition engine and
// normalizes its results. The engine is an opaque executable speaking
// a fixed argv + JSON-on-stdout protocol; everything else in the
// service goes through the Runner interface so the transport can be
// swapped without touching the callers.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action selects one engine operation.
type Action string

const (
	ActionStartRegistration Action = "start_registration"
	ActionCollectImage      Action = "collect_image"
	ActionTrainSession      Action = "train_session"
	ActionRecognize         Action = "recognize"
	ActionCheckDuplicate    Action = "check_duplicate"
)

// Sentinel errors for engine invocation failures. Match with errors.Is;
// the full diagnostic travels in the wrapping InvocationError.
var (
	ErrEmptyOutput     = errors.New("engine produced no output")
	ErrMalformedOutput = errors.New("engine produced malformed output")
	ErrTimeout         = errors.New("engine invocation timed out")
	ErrInvalidArgs     = errors.New("missing required engine arguments")
)

// Args carries the named parameters of an invocation. Which fields are
// required depends on the action; Validate enforces that before any
// process is spawned.
type Args struct {
	Username    string
	SessionID   string
	ImageBase64 string
}

// Validate checks that every parameter the action requires is present.
func (a Args) Validate(action Action) error {
	var missing []string
	switch action {
	case ActionStartRegistration:
		if a.Username == "" {
			missing = append(missing, "username")
		}
		if a.SessionID == "" {
			missing = append(missing, "session_id")
		}
	case ActionCollectImage:
		if a.SessionID == "" {
			missing = append(missing, "session_id")
		}
		if a.ImageBase64 == "" {
			missing = append(missing, "image_base64")
		}
	case ActionTrainSession:
		if a.SessionID == "" {
			missing = append(missing, "session_id")
		}
	case ActionRecognize, ActionCheckDuplicate:
		if a.ImageBase64 == "" {
			missing = append(missing, "image_base64")
		}
	default:
		return fmt.Errorf("unknown engine action %q", action)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w for %s: %s", ErrInvalidArgs, action, strings.Join(missing, ", "))
	}
	return nil
}

// argv renders the invocation as discrete command-line parameters.
// Values are never joined into a shell string.
func (a Args) argv(action Action) []string {
	out := []string{"--action", string(action)}
	if a.Username != "" {
		out = append(out, "--username", a.Username)
	}
	if a.SessionID != "" {
		out = append(out, "--session_id", a.SessionID)
	}
	if a.ImageBase64 != "" {
		out = append(out, "--image_base64", a.ImageBase64)
	}
	return out
}

// Result is the engine's normalized response. Success plus Message are
// common to every action; the remaining fields are action-specific and
// zero-valued when absent.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`

	// start_registration
	SessionID    string `json:"session_id,omitempty"`
	TargetImages int    `json:"target_images,omitempty"`

	// collect_image
	Collected int     `json:"collected,omitempty"`
	Target    int     `json:"target,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	Completed bool    `json:"completed,omitempty"`

	// train_session
	Samples int    `json:"samples,omitempty"`
	FaceID  string `json:"faceId,omitempty"`

	// check_duplicate
	Duplicate *bool `json:"duplicate,omitempty"`

	// recognize
	MatchedIdentity *string `json:"matchedIdentity,omitempty"`
	Username        string  `json:"username,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`
}

// Identity returns the matched identity of a recognize result, or ""
// when the engine reported no match. Older engine builds report the
// match in `username` rather than `matchedIdentity`.
func (r *Result) Identity() string {
	if r.MatchedIdentity != nil {
		return *r.MatchedIdentity
	}
	return r.Username
}

// IsDuplicate returns the duplicate flag of a check_duplicate result.
func (r *Result) IsDuplicate() bool {
	return r.Duplicate != nil && *r.Duplicate
}

// InvocationError describes a failed engine call with enough context to
// diagnose it: the action, the captured streams, and a sentinel kind.
type InvocationError struct {
	Action Action
	Kind   error
	Output string // raw stdout, kept when parsing failed
	Stderr string
	Cause  error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("engine %s: %v", e.Action, e.Kind)
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	if e.Stderr != "" {
		msg += fmt.Sprintf(" (stderr: %s)", strings.TrimSpace(e.Stderr))
	}
	return msg
}

// Unwrap exposes both the sentinel kind and the underlying cause so
// errors.Is works against either.
func (e *InvocationError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Runner invokes the engine for one action. Implementations must be
// safe for concurrent use; each invocation owns its own process or
// container and shares no mutable state with other invocations.
//
// Runners never retry: collect_image is not idempotent without
// caller-side frame deduplication, so retry policy belongs upstream.
type Runner interface {
	Invoke(ctx context.Context, action Action, args Args) (*Result, error)
}

// decodeResult turns captured engine output into a Result. The engine
// contract is a single JSON object on stdout; stdout is authoritative
// even when the process exited non-zero, matching the upstream engine
// which prints its JSON error before exiting 1.
func decodeResult(action Action, stdout, stderr []byte) (*Result, error) {
	trimmed := strings.TrimSpace(string(stdout))
	if trimmed == "" {
		return nil, &InvocationError{Action: action, Kind: ErrEmptyOutput, Stderr: string(stderr)}
	}

	if !strings.HasPrefix(trimmed, "{") {
		return nil, &InvocationError{
			Action: action,
			Kind:   ErrMalformedOutput,
			Output: trimmed,
			Stderr: string(stderr),
			Cause:  errors.New("output is not a JSON object"),
		}
	}

	var res Result
	if err := json.Unmarshal([]byte(trimmed), &res); err != nil {
		return nil, &InvocationError{
			Action: action,
			Kind:   ErrMalformedOutput,
			Output: trimmed,
			Stderr: string(stderr),
			Cause:  err,
		}
	}
	return &res, nil
}
