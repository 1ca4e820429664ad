package domain

import "time"

type User struct {
	ID            string
	Username      string
	PreferredName string
	PasswordHash  string // argon2id PHC string

	// MFASecret is the sealed TOTP secret. Set by setup, kept while MFA is
	// enabled and cleared on disable.
	MFASecret    *string
	MFAEnabledAt *time.Time

	// MFALastStep is the last TOTP time step accepted for this user; codes
	// at or below it are replays.
	MFALastStep int64

	// DisabledAt is set while the account is locked out. A disabled user
	// cannot sign in, refresh or call authenticated endpoints.
	DisabledAt  *time.Time
	LastLoginAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MFAEnabled reports whether logins require a second factor.
func (u *User) MFAEnabled() bool {
	return u.MFAEnabledAt != nil && u.MFASecret != nil
}

// MFAPending reports a secret generated by setup but not yet confirmed.
func (u *User) MFAPending() bool {
	return u.MFASecret != nil && u.MFAEnabledAt == nil
}

func (u *User) Disabled() bool {
	return u.DisabledAt != nil
}
