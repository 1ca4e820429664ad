package service

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/aussiebroadwan/bluewhale/pkg/cryptox"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod     = 30
	totpSkew       = 1
	totpSecretSize = 20 // 160 bits
	qrCodeSize     = 200
)

// TOTPKey is a freshly generated authenticator enrollment.
type TOTPKey struct {
	Secret    string // base32, no padding
	URI       string // otpauth:// provisioning URI
	QRCodePNG string // base64 PNG of URI
}

// TOTPEngine generates and validates RFC 6238 codes: SHA-1, six digits,
// thirty second steps.
type TOTPEngine struct {
	Issuer string
}

func (e *TOTPEngine) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Generate creates a new secret for account.
func (e *TOTPEngine) Generate(account string) (TOTPKey, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.Issuer,
		AccountName: account,
		Period:      totpPeriod,
		SecretSize:  totpSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        rand.Reader,
	})
	if err != nil {
		return TOTPKey{}, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return TOTPKey{}, fmt.Errorf("failed to render QR code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return TOTPKey{}, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return TOTPKey{
		Secret:    key.Secret(),
		URI:       key.URL(),
		QRCodePNG: base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// Validate checks code against secret at now, accepting the current step
// and one step either side. It returns the matching time step so callers
// can refuse replays. Malformed input is simply invalid.
func (e *TOTPEngine) Validate(secret, code string, now time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != 6 || secret == "" {
		return 0, false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return 0, false
		}
	}

	opts := e.opts()
	step := now.Unix() / totpPeriod
	// Newest step first so a code valid for two steps records the later one.
	for delta := int64(totpSkew); delta >= -totpSkew; delta-- {
		at := time.Unix((step+delta)*totpPeriod, 0)
		want, err := totp.GenerateCodeCustom(secret, at, opts)
		if err != nil {
			return 0, false
		}
		if cryptox.Equal(want, code) {
			return step + delta, true
		}
	}
	return 0, false
}

// backupCodeAlphabet leaves out characters that are easy to misread.
const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// generateBackupCode returns a code of the form XXXXX-XXXXX (50 bits).
func generateBackupCode() (string, error) {
	var raw [10]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	var b strings.Builder
	b.Grow(11)
	for i, r := range raw {
		if i == 5 {
			b.WriteByte('-')
		}
		b.WriteByte(backupCodeAlphabet[int(r)%len(backupCodeAlphabet)])
	}
	return b.String(), nil
}

// normalizeBackupCode upper-cases and drops spaces and hyphens.
func normalizeBackupCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t':
			return -1
		}
		if r >= 'a' && r <= 'z' {
			return r - 'a' + 'A'
		}
		return r
	}, code)
}

func looksLikeTOTP(code string) bool {
	code = strings.TrimSpace(code)
	if len(code) != 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
