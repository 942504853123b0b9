// Package gateway defines the boundary to the external generative model.
// The pipeline treats the model as an opaque remote capability: any
// implementation of Gateway (hosted API, local model, test fake) is
// acceptable.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Request carries everything one generation call needs.
type Request struct {
	Prompt      string  `json:"prompt"`
	SchemaHint  string  `json:"schema_hint,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	// Seed is passed through to the provider. It does not make the model
	// output reproducible; only request construction is.
	Seed int64 `json:"seed,omitempty"`
}

// Gateway is the external generative-model capability.
type Gateway interface {
	// Generate returns the raw model text for a request, or an *Error.
	Generate(ctx context.Context, req *Request) (string, error)
}

// ErrorKind classifies a gateway failure.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindAuth        ErrorKind = "auth_error"
	KindServer      ErrorKind = "server_error"
	KindBadRequest  ErrorKind = "bad_request"
)

// Error is a classified gateway failure.
type Error struct {
	Kind   ErrorKind
	Status int
	Msg    string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gateway %s (status %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Msg)
}

// IsTransient reports whether err is a gateway failure worth retrying.
// Timeouts, rate limits and server errors are transient; auth failures and
// request rejections are not.
func IsTransient(err error) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	switch ge.Kind {
	case KindTimeout, KindRateLimited, KindServer:
		return true
	}
	return false
}
