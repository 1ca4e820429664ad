package domain

import "time"

// SigningKey is a persisted JWT signing key. The private key PEM is sealed
// with the master key; retired keys only verify.
type SigningKey struct {
	ID               string
	Kid              string
	Algorithm        string
	PrivateKeySealed []byte
	CreatedAt        time.Time
	RetiredAt        *time.Time
}

// IsActive reports whether the key still signs.
func (k *SigningKey) IsActive() bool {
	return k.RetiredAt == nil
}
