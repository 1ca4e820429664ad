package service

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/bluewhale/internal/auth/domain"
	"github.com/aussiebroadwan/bluewhale/internal/auth/ratelimit"
	"github.com/aussiebroadwan/bluewhale/pkg/jwtx"
	"github.com/aussiebroadwan/bluewhale/pkg/slogx"
)

// AuthService drives the login state machine and the other end-user flows
// on top of the credential, MFA, token and session services.
//
// A login moves from awaiting credentials to credentials verified, then
// either to MFA required (a challenge is returned, nothing is issued) or
// to authenticated (a new session with an access and refresh token). Any
// failure rejects the attempt.
type AuthService struct {
	Credentials *CredentialService
	MFA         *MFAService
	Tokens      *TokenService
	Sessions    *SessionService
	Users       *UserService

	// Limiter gates login, register and refresh. Nil disables limiting.
	Limiter *ratelimit.Limiter

	// LimitByUsername also counts login attempts per username, bounding
	// distributed guessing against one account.
	LimitByUsername bool

	Clock func() time.Time
}

// LoginRequest carries one login attempt. The first factor is either
// Password or an MFAToken from an earlier attempt.
type LoginRequest struct {
	Username string
	Password string
	MFACode  string
	MFAToken string
	Meta     domain.DeviceMeta
}

// LoginResult is either a pending MFA challenge or an issued token pair.
type LoginResult struct {
	MFARequired       bool
	Username          string
	MFAToken          string
	MFATokenExpiresAt time.Time
	Tokens            domain.TokenPair
}

// MFAVerifyRequest completes a login that returned MFARequired.
type MFAVerifyRequest struct {
	Username string
	MFAToken string
	Password string // alternative to MFAToken
	Code     string
	Meta     domain.DeviceMeta
}

// RegisterRequest creates an account.
type RegisterRequest struct {
	Username      string
	Password      string
	PreferredName string
	Meta          domain.DeviceMeta
}

func (s *AuthService) gate(ctx context.Context, class ratelimit.Class, subjects ...string) error {
	if s.Limiter == nil {
		return nil
	}
	for _, subject := range subjects {
		if err := s.Limiter.Check(ctx, class, subject); err != nil {
			if le, ok := ratelimit.IsLimited(err); ok {
				slogx.FromContext(ctx).Warn("rate limited", "class", class, "subject", subject, "retry_after", le.RetryAfter)
			}
			return err
		}
	}
	return nil
}

func ipSubject(ip string) string {
	if ip == "" {
		return ""
	}
	return "ip:" + ip
}

func (s *AuthService) loginSubjects(meta domain.DeviceMeta, username string) []string {
	subjects := []string{ipSubject(meta.IP)}
	if s.LimitByUsername && username != "" {
		subjects = append(subjects, "user:"+username)
	}
	return subjects
}

// Login authenticates a user. Unknown users, wrong passwords and invalid
// challenges all fail with ErrInvalidCredentials; a wrong second factor
// fails with ErrInvalidMFACode. Every attempt counts against the login
// rate limit.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	log := slogx.FromContext(ctx)
	username := NormalizeUsername(req.Username)

	if err := s.gate(ctx, ratelimit.ClassLogin, s.loginSubjects(req.Meta, username)...); err != nil {
		return LoginResult{}, err
	}

	user, err := s.firstFactor(ctx, username, req)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			log.Info("login rejected", "username", username, "reason", "invalid_credentials")
		}
		return LoginResult{}, err
	}

	amr := []string{jwtx.AMRPassword}
	if user.MFAEnabled() {
		if req.MFACode == "" {
			token, exp, err := s.Tokens.IssueChallenge(user, nowFunc(s.Clock))
			if err != nil {
				return LoginResult{}, err
			}
			log.Info("login awaiting second factor", "user_id", user.ID)
			return LoginResult{
				MFARequired:       true,
				Username:          user.Username,
				MFAToken:          token,
				MFATokenExpiresAt: exp,
			}, nil
		}

		method, err := s.MFA.VerifySecondFactor(ctx, user, req.MFACode)
		if err != nil {
			if errors.Is(err, ErrInvalidMFACode) || errors.Is(err, ErrBackupCodeAlreadyUsed) {
				log.Info("login rejected", "user_id", user.ID, "reason", "invalid_mfa_code")
				return LoginResult{}, ErrInvalidMFACode
			}
			return LoginResult{}, err
		}
		amr = append(amr, method, jwtx.AMRMFA)
	}

	pair, err := s.Tokens.IssuePair(ctx, user, amr, req.Meta)
	if err != nil {
		return LoginResult{}, err
	}
	log.Info("login succeeded", "user_id", user.ID, "session_id", pair.SessionID, "amr", amr)
	return LoginResult{Username: user.Username, Tokens: pair}, nil
}

func (s *AuthService) firstFactor(ctx context.Context, username string, req LoginRequest) (domain.User, error) {
	if req.Password != "" || req.MFAToken == "" {
		return s.Credentials.Verify(ctx, username, req.Password)
	}

	claims, err := s.Tokens.VerifyChallenge(req.MFAToken)
	if err != nil {
		return domain.User{}, err
	}
	if username != "" && claims.Username != username {
		return domain.User{}, ErrInvalidCredentials
	}
	user, err := s.Users.Get(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, err
	}
	if user.Disabled() {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// VerifyMFA finishes a login with a TOTP or backup code, proving the first
// factor again with either the challenge token or the password.
func (s *AuthService) VerifyMFA(ctx context.Context, req MFAVerifyRequest) (domain.TokenPair, error) {
	if req.Code == "" {
		return domain.TokenPair{}, ErrInvalidMFACode
	}
	if req.MFAToken == "" && req.Password == "" {
		return domain.TokenPair{}, ErrInvalidCredentials
	}
	res, err := s.Login(ctx, LoginRequest{
		Username: req.Username,
		Password: req.Password,
		MFACode:  req.Code,
		MFAToken: req.MFAToken,
		Meta:     req.Meta,
	})
	if err != nil {
		return domain.TokenPair{}, err
	}
	return res.Tokens, nil
}

// Refresh rotates a refresh token.
func (s *AuthService) Refresh(ctx context.Context, presented string, meta domain.DeviceMeta) (domain.TokenPair, error) {
	if err := s.gate(ctx, ratelimit.ClassRefresh, ipSubject(meta.IP)); err != nil {
		return domain.TokenPair{}, err
	}
	return s.Tokens.Rotate(ctx, presented, meta)
}

// Logout revokes the presented refresh token. Repeating it is harmless.
func (s *AuthService) Logout(ctx context.Context, presented string) error {
	return s.Tokens.Revoke(ctx, presented)
}

// LogoutAll revokes every session of userID.
func (s *AuthService) LogoutAll(ctx context.Context, userID string) (int, error) {
	n, err := s.Tokens.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	slogx.FromContext(ctx).Info("all sessions revoked", "user_id", userID, "revoked", n)
	return n, nil
}

// Register creates an account. It does not log the user in.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (domain.User, error) {
	if err := s.gate(ctx, ratelimit.ClassRegister, ipSubject(req.Meta.IP)); err != nil {
		return domain.User{}, err
	}
	return s.Users.Create(ctx, req.Username, req.Password, req.PreferredName)
}

func (s *AuthService) Profile(ctx context.Context, userID string) (domain.User, error) {
	return s.Users.Get(ctx, userID)
}

// UpdateProfile applies upd. A password change proves the current
// password, so it spends the user's login budget like a login attempt.
func (s *AuthService) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (domain.User, error) {
	if upd.NewPassword != "" {
		if err := s.CheckSecretAttempt(ctx, userID); err != nil {
			return domain.User{}, err
		}
	}
	return s.Users.UpdateProfile(ctx, userID, upd)
}

// CheckSecretAttempt counts one attempt by a signed-in user to prove a
// password or second factor against the login limit for that user.
func (s *AuthService) CheckSecretAttempt(ctx context.Context, userID string) error {
	return s.gate(ctx, ratelimit.ClassLogin, "uid:"+userID)
}

// ListSessions returns the user's active sessions, marking the one that
// holds the presented refresh token.
func (s *AuthService) ListSessions(ctx context.Context, userID, presented string) ([]domain.Session, error) {
	return s.Sessions.ListActive(ctx, userID, presented)
}

func (s *AuthService) RevokeSession(ctx context.Context, userID, sessionID string) error {
	return s.Sessions.Revoke(ctx, userID, sessionID)
}

// RequireActive fails with ErrUnauthenticated unless userID names an
// existing account that is not disabled. Access tokens outlive a disable,
// so authenticated routes check it on every request.
func (s *AuthService) RequireActive(ctx context.Context, userID string) error {
	user, err := s.Users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if user.Disabled() {
		return ErrUnauthenticated
	}
	return nil
}

// SetUserDisabled locks or unlocks an account by username. Disabling also
// revokes every session.
func (s *AuthService) SetUserDisabled(ctx context.Context, username string, disabled bool) (domain.User, error) {
	user, err := s.Users.SetDisabled(ctx, username, disabled)
	if err != nil {
		return domain.User{}, err
	}
	if disabled {
		if _, err := s.LogoutAll(ctx, user.ID); err != nil {
			return domain.User{}, err
		}
	}
	return user, nil
}
