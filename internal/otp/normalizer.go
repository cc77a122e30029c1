package otp

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const DefaultPhonePattern = `^\+905\d{9}$`

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "", "\t", "")

// Normalizer maps the ways people type Turkish mobile numbers onto
// +905XXXXXXXXX and then checks the result against the configured pattern.
type Normalizer struct {
	pattern *regexp.Regexp
}

func NewNormalizer(pattern string) (*Normalizer, error) {
	if pattern == "" {
		pattern = DefaultPhonePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid phone pattern: %w", err)
	}
	return &Normalizer{pattern: re}, nil
}

func (n *Normalizer) Normalize(raw string) (string, error) {
	s := phoneSeparators.Replace(strings.TrimSpace(raw))

	switch {
	case strings.HasPrefix(s, "+"):
	case strings.HasPrefix(s, "90") && len(s) == 12:
		s = "+" + s
	case strings.HasPrefix(s, "05") && len(s) == 11:
		s = "+9" + s
	case strings.HasPrefix(s, "5") && len(s) == 10:
		s = "+90" + s
	}

	if !n.pattern.MatchString(s) {
		return "", ErrInvalidPhone
	}
	return s, nil
}

// StoreKey is the backend key for a normalized phone. Raw numbers never
// appear in store keys or events.
func StoreKey(phone string) string {
	sum := sha256.Sum256([]byte(phone))
	return hex.EncodeToString(sum[:])
}
