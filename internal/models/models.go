package models

import "errors"

// Validation constants for input validation
const (
	// MaxPromptLength is the longest prompt the moderation filter passes through.
	MaxPromptLength = 6000
	// MaxConversationIDLength bounds caller-supplied conversation identifiers.
	MaxConversationIDLength = 128
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID            = errors.New("userId is required")
	ErrConversationIDTooLong  = errors.New("conversationId exceeds maximum length")
	ErrInsufficientCredits    = errors.New("insufficient AI credits")
	ErrSessionNotFound        = errors.New("workflow session not found")
	ErrSessionVersionConflict = errors.New("workflow session was modified concurrently")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRateLimited indicates the caller exhausted credits or request rate.
	APIStatusRateLimited APIStatus = "rate_limited"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// RateLimited creates a rate-limited API response with an optional snapshot.
func RateLimited(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusRateLimited), Message: message, Result: result}
}
