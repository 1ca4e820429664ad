package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/store"
	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"
)

// MFAStatus summarises a user's second factor.
type MFAStatus struct {
	Enabled              bool
	Pending              bool
	BackupCodesRemaining int
}

// MFAService manages TOTP enrollment, backup codes and second-factor
// checks. Secrets are sealed with Box using the user id as associated data
// and backup codes are stored as keyed fingerprints under Pepper.
type MFAService struct {
	Store        store.Store
	Box          *cryptox.SecretBox
	TOTP         *TOTPEngine
	Pepper       []byte
	Clock        func() time.Time
	StoreTimeout time.Duration
}

func (s *MFAService) loadUser(ctx context.Context, userID string) (domain.User, error) {
	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()

	user, err := s.Store.Users().GetUserByID(sctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, storeFailure(fmt.Errorf("failed to load user: %w", err))
	}
	return user, nil
}

func (s *MFAService) openSecret(user domain.User) (string, error) {
	if user.MFASecret == nil {
		return "", ErrMFASetupRequired
	}
	secret, err := s.Box.OpenString(*user.MFASecret, user.ID)
	if err != nil {
		return "", fmt.Errorf("failed to open MFA secret: %w", err)
	}
	return secret, nil
}

// Setup generates a pending secret. MFA stays off until Enable confirms a
// code. Calling Setup again replaces an unconfirmed secret.
func (s *MFAService) Setup(ctx context.Context, userID string) (domain.MFASetup, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return domain.MFASetup{}, err
	}
	if user.MFAEnabled() {
		return domain.MFASetup{}, ErrMFAAlreadyEnabled
	}

	key, err := s.TOTP.Generate(user.Username)
	if err != nil {
		return domain.MFASetup{}, err
	}
	sealed, err := s.Box.SealString(key.Secret, user.ID)
	if err != nil {
		return domain.MFASetup{}, fmt.Errorf("failed to seal MFA secret: %w", err)
	}

	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()
	if err := s.Store.Users().SetMFASecret(sctx, user.ID, sealed, nowFunc(s.Clock)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.MFASetup{}, ErrMFAAlreadyEnabled
		}
		return domain.MFASetup{}, storeFailure(fmt.Errorf("failed to store MFA secret: %w", err))
	}

	slogx.FromContext(ctx).Info("mfa setup started", "user_id", user.ID)
	return domain.MFASetup{
		Secret:          key.Secret,
		ProvisioningURI: key.URI,
		QRCodePNG:       key.QRCodePNG,
	}, nil
}

// Enable confirms the pending secret with one valid code, turns MFA on and
// returns a fresh set of backup codes. The plaintext codes are not stored.
func (s *MFAService) Enable(ctx context.Context, userID, code string) ([]string, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled() {
		return nil, ErrMFAAlreadyEnabled
	}
	if !user.MFAPending() {
		return nil, ErrMFASetupRequired
	}

	secret, err := s.openSecret(user)
	if err != nil {
		return nil, err
	}
	now := nowFunc(s.Clock)
	step, ok := s.TOTP.Validate(secret, code, now)
	if !ok {
		return nil, ErrInvalidMFACode
	}

	codes, hashes, err := s.newBackupCodes()
	if err != nil {
		return nil, err
	}

	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()
	err = s.Store.WithTx(sctx, func(tx store.Tx) error {
		if err := tx.Users().EnableMFA(sctx, user.ID, now); err != nil {
			return err
		}
		if _, err := tx.Users().AdvanceTOTPStep(sctx, user.ID, step); err != nil {
			return err
		}
		return tx.BackupCodes().ReplaceBackupCodes(sctx, user.ID, hashes, now)
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrMFAAlreadyEnabled
		}
		return nil, storeFailure(fmt.Errorf("failed to enable MFA: %w", err))
	}

	slogx.FromContext(ctx).Info("mfa enabled", "user_id", user.ID)
	return codes, nil
}

// Disable turns MFA off after a fresh TOTP or backup code, removing the
// secret and every backup code.
func (s *MFAService) Disable(ctx context.Context, userID, code string) error {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled() {
		return ErrMFANotEnabled
	}

	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()
	var rejected error
	err = s.Store.WithTx(sctx, func(tx store.Tx) error {
		if _, err := s.verifySecondFactor(sctx, tx, user, code); err != nil {
			rejected = err
			return err
		}
		if err := tx.BackupCodes().DeleteAllBackupCodes(sctx, user.ID); err != nil {
			return err
		}
		return tx.Users().DisableMFA(sctx, user.ID, nowFunc(s.Clock))
	})
	if rejected != nil {
		return rejected
	}
	if err != nil {
		return storeFailure(fmt.Errorf("failed to disable MFA: %w", err))
	}

	slogx.FromContext(ctx).Info("mfa disabled", "user_id", user.ID)
	return nil
}

// RegenerateBackupCodes replaces all backup codes after a fresh TOTP or
// backup code.
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.MFAEnabled() {
		return nil, ErrMFANotEnabled
	}
	codes, hashes, err := s.newBackupCodes()
	if err != nil {
		return nil, err
	}

	// The code that authorises the call is consumed in the same
	// transaction that swaps the set, so a failure leaves both untouched.
	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()
	var rejected error
	err = s.Store.WithTx(sctx, func(tx store.Tx) error {
		if _, err := s.verifySecondFactor(sctx, tx, user, code); err != nil {
			rejected = err
			return err
		}
		return tx.BackupCodes().ReplaceBackupCodes(sctx, user.ID, hashes, nowFunc(s.Clock))
	})
	if rejected != nil {
		return nil, rejected
	}
	if err != nil {
		return nil, storeFailure(fmt.Errorf("failed to replace backup codes: %w", err))
	}

	slogx.FromContext(ctx).Info("backup codes regenerated", "user_id", user.ID)
	return codes, nil
}

// Status reports whether MFA is on and how many backup codes are left.
func (s *MFAService) Status(ctx context.Context, userID string) (MFAStatus, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return MFAStatus{}, err
	}
	st := MFAStatus{Enabled: user.MFAEnabled(), Pending: user.MFAPending()}
	if !st.Enabled {
		return st, nil
	}

	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()
	n, err := s.Store.BackupCodes().CountUnusedBackupCodes(sctx, user.ID)
	if err != nil {
		return MFAStatus{}, storeFailure(fmt.Errorf("failed to count backup codes: %w", err))
	}
	st.BackupCodesRemaining = n
	return st, nil
}

// VerifySecondFactor accepts either a TOTP code or an unused backup code
// for user and returns the amr value of the method that matched. TOTP
// steps at or below the last accepted one are rejected as replays.
func (s *MFAService) VerifySecondFactor(ctx context.Context, user domain.User, code string) (string, error) {
	return s.verifySecondFactor(ctx, s.Store, user, code)
}

// verifySecondFactor records the accepted step or consumed code through
// st, which may be a transaction.
func (s *MFAService) verifySecondFactor(ctx context.Context, st store.Store, user domain.User, code string) (string, error) {
	if !user.MFAEnabled() {
		return "", ErrMFANotEnabled
	}
	if looksLikeTOTP(code) {
		return jwtx.AMROTP, s.verifyTOTP(ctx, st, user, code)
	}
	return jwtx.AMRBackup, s.consumeBackupCode(ctx, st, user, code)
}

func (s *MFAService) verifyTOTP(ctx context.Context, st store.Store, user domain.User, code string) error {
	secret, err := s.openSecret(user)
	if err != nil {
		return err
	}
	step, ok := s.TOTP.Validate(secret, code, nowFunc(s.Clock))
	if !ok || step <= user.MFALastStep {
		return ErrInvalidMFACode
	}

	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()
	advanced, err := st.Users().AdvanceTOTPStep(sctx, user.ID, step)
	if err != nil {
		return storeFailure(fmt.Errorf("failed to record TOTP step: %w", err))
	}
	if !advanced {
		// Another request accepted this step first.
		return ErrInvalidMFACode
	}
	return nil
}

func (s *MFAService) consumeBackupCode(ctx context.Context, st store.Store, user domain.User, code string) error {
	normalized := normalizeBackupCode(code)
	if len(normalized) != 10 {
		return ErrInvalidMFACode
	}
	hash := cryptox.KeyedFingerprint(s.Pepper, normalized)

	sctx, cancel := storeContext(ctx, s.StoreTimeout)
	defer cancel()

	bc, err := st.BackupCodes().GetBackupCode(sctx, user.ID, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidMFACode
		}
		return storeFailure(fmt.Errorf("failed to load backup code: %w", err))
	}
	if bc.UsedAt != nil {
		return ErrBackupCodeAlreadyUsed
	}

	consumed, err := st.BackupCodes().MarkBackupCodeUsed(sctx, bc.ID, nowFunc(s.Clock))
	if err != nil {
		return storeFailure(fmt.Errorf("failed to consume backup code: %w", err))
	}
	if !consumed {
		return ErrBackupCodeAlreadyUsed
	}
	slogx.FromContext(ctx).Info("backup code used", "user_id", user.ID, "position", bc.Position)
	return nil
}

func (s *MFAService) newBackupCodes() ([]string, []string, error) {
	codes := make([]string, domain.BackupCodeCount)
	hashes := make([]string, domain.BackupCodeCount)
	for i := range codes {
		code, err := generateBackupCode()
		if err != nil {
			return nil, nil, err
		}
		codes[i] = code
		hashes[i] = cryptox.KeyedFingerprint(s.Pepper, normalizeBackupCode(code))
	}
	return codes, hashes, nil
}
