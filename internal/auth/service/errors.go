package service

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error values double as the wire error codes.
var (
	ErrInvalidCredentials    = errors.New("invalid_credentials")
	ErrInvalidMFACode        = errors.New("invalid_mfa_code")
	ErrTokenExpired          = errors.New("token_expired")
	ErrTokenRevoked          = errors.New("token_revoked")
	ErrTokenUnknown          = errors.New("token_unknown")
	ErrBackupCodeAlreadyUsed = errors.New("backup_code_used")
	ErrMFANotEnabled         = errors.New("mfa_not_enabled")
	ErrMFAAlreadyEnabled     = errors.New("mfa_already_enabled")
	ErrMFASetupRequired      = errors.New("mfa_setup_required")
	ErrUsernameTaken         = errors.New("username_taken")
	ErrSessionNotFound       = errors.New("session_not_found")
	ErrUserNotFound          = errors.New("user_not_found")
	ErrUnauthenticated       = errors.New("unauthorized")
	ErrInvalidInput          = errors.New("invalid_request")

	// ErrStoreUnavailable means the backing store did not answer in time.
	// The caller may retry.
	ErrStoreUnavailable = errors.New("temporarily_unavailable")

	// ErrKeysChanged means another instance rotated the signing keys
	// first. Its keys have been loaded; retry to rotate again.
	ErrKeysChanged = errors.New("signing keys changed concurrently")
)

// DefaultStoreTimeout bounds every store round trip made by a service.
const DefaultStoreTimeout = 5 * time.Second

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func storeContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// storeFailure marks deadline errors as retryable unavailability.
func storeFailure(err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func nowFunc(clock func() time.Time) time.Time {
	if clock == nil {
		return time.Now().UTC()
	}
	return clock().UTC()
}
