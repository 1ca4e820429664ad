package authsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/aussiebroadwan/bluewhale/pkg/httpx"
)

// ============================================================================
// Error Codes
// ============================================================================

const (
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeInvalidCredentials     = "invalid_credentials"
	ErrorCodeInvalidMFACode         = "invalid_mfa_code"
	ErrorCodeTokenExpired           = "token_expired"
	ErrorCodeTokenRevoked           = "token_revoked"
	ErrorCodeTokenUnknown           = "token_unknown"
	ErrorCodeUnauthorized           = "unauthorized"
	ErrorCodeRateLimited            = "rate_limited"
	ErrorCodeCSRFInvalid            = "csrf_invalid"
	ErrorCodeBackupCodeUsed         = "backup_code_used"
	ErrorCodeMFANotEnabled          = "mfa_not_enabled"
	ErrorCodeMFAAlreadyEnabled      = "mfa_already_enabled"
	ErrorCodeMFASetupRequired       = "mfa_setup_required"
	ErrorCodeUsernameTaken          = "username_taken"
	ErrorCodeSessionNotFound        = "session_not_found"
	ErrorCodeUserNotFound           = "user_not_found"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
	ErrorCodeNotFound               = "not_found"
	ErrorCodeServerError            = "server_error"
)

// ============================================================================
// APIError
// ============================================================================

// APIError is the error body of every endpoint. The server writes it with
// WriteError and the client decodes responses back into it, so both sides
// share one taxonomy.
type APIError struct {
	StatusCode int `json:"-"`

	Code        string `json:"error"`
	Description string `json:"error_description"`

	// RetryAfter in seconds, sent as the Retry-After header on 429 and 503.
	RetryAfter int `json:"-"`
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is matches on Code so errors.Is(err, authsdk.ErrTokenRevoked) works for
// errors decoded from a response.
func (e *APIError) Is(target error) bool {
	var t *APIError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithDescription returns a copy of e carrying desc.
func (e *APIError) WithDescription(desc string) *APIError {
	c := *e
	c.Description = desc
	return &c
}

// WithRetryAfter returns a copy of e carrying a Retry-After hint.
func (e *APIError) WithRetryAfter(seconds int) *APIError {
	c := *e
	c.RetryAfter = seconds
	return &c
}

// WriteError writes e as the JSON response.
func (e *APIError) WriteError(w http.ResponseWriter) {
	httpx.NoCache(w)
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.StatusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
	})
}

// ============================================================================
// Predefined Errors
// ============================================================================

var (
	ErrInvalidRequest = &APIError{
		StatusCode:  http.StatusBadRequest,
		Code:        ErrorCodeInvalidRequest,
		Description: "the request is malformed or missing required parameters",
	}

	// ErrInvalidCredentials does not say whether the user exists.
	ErrInvalidCredentials = &APIError{
		StatusCode:  http.StatusUnauthorized,
		Code:        ErrorCodeInvalidCredentials,
		Description: "invalid username or password",
	}

	ErrInvalidMFACode = &APIError{
		StatusCode:  http.StatusUnauthorized,
		Code:        ErrorCodeInvalidMFACode,
		Description: "invalid verification code",
	}

	ErrTokenExpired = &APIError{
		StatusCode:  http.StatusUnauthorized,
		Code:        ErrorCodeTokenExpired,
		Description: "the token has expired; sign in again",
	}

	ErrTokenRevoked = &APIError{
		StatusCode:  http.StatusUnauthorized,
		Code:        ErrorCodeTokenRevoked,
		Description: "the token has been revoked; sign in again",
	}

	ErrTokenUnknown = &APIError{
		StatusCode:  http.StatusUnauthorized,
		Code:        ErrorCodeTokenUnknown,
		Description: "the token is not recognised; sign in again",
	}

	// ErrUnauthorized is returned when the access token is missing or invalid.
	ErrUnauthorized = &APIError{
		StatusCode:  http.StatusUnauthorized,
		Code:        ErrorCodeUnauthorized,
		Description: "authentication required",
	}

	ErrRateLimited = &APIError{
		StatusCode:  http.StatusTooManyRequests,
		Code:        ErrorCodeRateLimited,
		Description: "too many requests; try again later",
	}

	ErrCSRFInvalid = &APIError{
		StatusCode:  http.StatusForbidden,
		Code:        ErrorCodeCSRFInvalid,
		Description: "missing or invalid CSRF token; fetch a new one",
	}

	ErrBackupCodeUsed = &APIError{
		StatusCode:  http.StatusBadRequest,
		Code:        ErrorCodeBackupCodeUsed,
		Description: "this backup code has already been used",
	}

	ErrMFANotEnabled = &APIError{
		StatusCode:  http.StatusBadRequest,
		Code:        ErrorCodeMFANotEnabled,
		Description: "multi-factor authentication is not enabled",
	}

	ErrMFAAlreadyEnabled = &APIError{
		StatusCode:  http.StatusConflict,
		Code:        ErrorCodeMFAAlreadyEnabled,
		Description: "multi-factor authentication is already enabled",
	}

	ErrMFASetupRequired = &APIError{
		StatusCode:  http.StatusBadRequest,
		Code:        ErrorCodeMFASetupRequired,
		Description: "start multi-factor setup first",
	}

	ErrUsernameTaken = &APIError{
		StatusCode:  http.StatusConflict,
		Code:        ErrorCodeUsernameTaken,
		Description: "username is already taken",
	}

	ErrSessionNotFound = &APIError{
		StatusCode:  http.StatusNotFound,
		Code:        ErrorCodeSessionNotFound,
		Description: "session not found",
	}

	ErrUserNotFound = &APIError{
		StatusCode:  http.StatusNotFound,
		Code:        ErrorCodeUserNotFound,
		Description: "user not found",
	}

	ErrTemporarilyUnavailable = &APIError{
		StatusCode:  http.StatusServiceUnavailable,
		Code:        ErrorCodeTemporarilyUnavailable,
		Description: "the service is temporarily unavailable; retry shortly",
		RetryAfter:  1,
	}

	ErrNotFound = &APIError{
		StatusCode:  http.StatusNotFound,
		Code:        ErrorCodeNotFound,
		Description: "not found",
	}

	ErrMethodNotAllowed = &APIError{
		StatusCode:  http.StatusMethodNotAllowed,
		Code:        ErrorCodeInvalidRequest,
		Description: "method not allowed",
	}

	ErrServerError = &APIError{
		StatusCode:  http.StatusInternalServerError,
		Code:        ErrorCodeServerError,
		Description: "internal server error",
	}
)

// IsSessionEnded reports whether err means the client must sign in again.
func IsSessionEnded(err error) bool {
	return errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenRevoked) ||
		errors.Is(err, ErrTokenUnknown)
}

// ============================================================================
// Error Parsing
// ============================================================================

// parseErrorResponse turns a non-2xx response into an *APIError.
func parseErrorResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	retry, _ := strconv.Atoi(resp.Header.Get("Retry-After"))

	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != "" {
		apiErr.StatusCode = resp.StatusCode
		apiErr.RetryAfter = retry
		return &apiErr
	}

	return &APIError{
		StatusCode:  resp.StatusCode,
		Code:        ErrorCodeServerError,
		Description: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		RetryAfter:  retry,
	}
}
