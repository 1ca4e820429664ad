package domain

import "time"

// BackupCodeCount is how many backup codes a user holds at a time.
const BackupCodeCount = 10

// BackupCode is one stored single-use recovery code.
type BackupCode struct {
	ID        string
	UserID    string
	CodeHash  string // keyed fingerprint of the normalized code
	Position  int
	UsedAt    *time.Time
	CreatedAt time.Time
}

// MFASetup is returned once by setup; the secret is not retrievable later.
type MFASetup struct {
	Secret          string
	ProvisioningURI string
	QRCodePNG       string // base64 PNG
}
