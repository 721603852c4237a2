package services

import (
	"fmt"
	"time"
)

// ErrorPayload is the stable error shape returned in-band to the route layer.
// The UI renders these without special-casing transport failures, so every
// known failure mode must map to one.
type ErrorPayload struct {
	ErrorType string `json:"error_type"`
	ErrorCode string `json:"error_code"`
	Reason    string `json:"reason"`
}

// BunqConfigurationError: a required secret or key is missing. Fatal, never
// retried.
type BunqConfigurationError struct {
	Message string
}

func (e *BunqConfigurationError) Error() string {
	return e.Message
}

// BunqAuthError: the API rejected our credentials (401/403).
type BunqAuthError struct {
	Message string
	Path    string
	Status  int
}

func (e *BunqAuthError) Error() string {
	return fmt.Sprintf("%s (status %d, path %s)", e.Message, e.Status, e.Path)
}

// BunqRateLimitError: retry budget for 429 responses was exhausted.
type BunqRateLimitError struct {
	Message  string
	Attempts int
	Elapsed  time.Duration
}

func (e *BunqRateLimitError) Error() string {
	return fmt.Sprintf("%s after %d attempts (%s)", e.Message, e.Attempts, e.Elapsed)
}

// BunqSignatureError: the response body did not verify against the server
// public key. The response is discarded; never retried.
type BunqSignatureError struct {
	Message string
	Path    string
	Status  int
}

func (e *BunqSignatureError) Error() string {
	return fmt.Sprintf("%s (status %d, path %s)", e.Message, e.Status, e.Path)
}

// BunqInvalidResponseError: the response body was not valid JSON or did not
// have the expected envelope shape.
type BunqInvalidResponseError struct {
	Message string
	Path    string
	Status  int
}

func (e *BunqInvalidResponseError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (status %d, path %s)", e.Message, e.Status, e.Path)
}

// BunqProtocolError: any other non-2xx response.
type BunqProtocolError struct {
	Message string
	Path    string
	Status  int
	Body    string
	Headers map[string]string
}

func (e *BunqProtocolError) Error() string {
	return fmt.Sprintf("%s (status %d, path %s): %s", e.Message, e.Status, e.Path, e.Body)
}

const maxErrorBodyLen = 512

func truncateBody(body string) string {
	if len(body) > maxErrorBodyLen {
		return body[:maxErrorBodyLen] + "..."
	}
	return body
}

// MapBunqError converts a known bunq error into the boundary payload.
// Unrecognized errors are returned as-is so callers can propagate them
// instead of masking a bug as a provider failure.
func MapBunqError(err error) (*ErrorPayload, error) {
	switch e := err.(type) {
	case *BunqConfigurationError:
		return &ErrorPayload{ErrorType: "CONFIGURATION_ERROR", ErrorCode: "BUNQ_NOT_CONFIGURED", Reason: e.Message}, nil
	case *BunqAuthError:
		return &ErrorPayload{ErrorType: "AUTH_ERROR", ErrorCode: "BUNQ_AUTH_REJECTED", Reason: e.Message}, nil
	case *BunqRateLimitError:
		return &ErrorPayload{ErrorType: "RATE_LIMIT_ERROR", ErrorCode: "BUNQ_RATE_LIMITED", Reason: e.Error()}, nil
	case *BunqSignatureError:
		return &ErrorPayload{ErrorType: "SIGNATURE_ERROR", ErrorCode: "BUNQ_BAD_SIGNATURE", Reason: e.Message}, nil
	case *BunqInvalidResponseError:
		return &ErrorPayload{ErrorType: "INVALID_RESPONSE_ERROR", ErrorCode: "BUNQ_INVALID_RESPONSE", Reason: e.Message}, nil
	case *BunqProtocolError:
		return &ErrorPayload{ErrorType: "PROTOCOL_ERROR", ErrorCode: "BUNQ_REQUEST_FAILED", Reason: e.Message}, nil
	}
	return nil, err
}
