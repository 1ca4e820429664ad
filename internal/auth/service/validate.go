package service

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	minPasswordLen      = 8
	maxPasswordLen      = 128
	maxPreferredNameLen = 64
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.-]{3,64}$`)

// NormalizeUsername trims and lower-cases a username. Lookups and storage
// always use the normalized form.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return invalidInput("username must be 3-64 characters of a-z, 0-9, '_', '.' or '-'")
	}
	return nil
}

func validatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < minPasswordLen || n > maxPasswordLen {
		return invalidInput("password must be %d-%d characters", minPasswordLen, maxPasswordLen)
	}
	return nil
}

func validatePreferredName(name string) error {
	if utf8.RuneCountInString(name) > maxPreferredNameLen {
		return invalidInput("preferred name must be at most %d characters", maxPreferredNameLen)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return invalidInput("preferred name contains control characters")
		}
	}
	return nil
}
