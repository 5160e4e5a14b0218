package model

import (
	"regexp"
	"strings"
	"time"
)

type Contact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Tags      []string  `json:"tags"`
	Notes     string    `json:"notes,omitempty"`
	OptIn     bool      `json:"optIn"`
	CreatedAt time.Time `json:"createdAt"`
}

var phoneShape = regexp.MustCompile(`^\+?[0-9 ().\-]+$`)

// NormalizePhone strips every non-digit; the result is the contact dedup key.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidPhone accepts loose international formatting with 7 to 15 digits.
func ValidPhone(phone string) bool {
	phone = strings.TrimSpace(phone)
	if !phoneShape.MatchString(phone) {
		return false
	}
	n := len(NormalizePhone(phone))
	return n >= 7 && n <= 15
}

// HasTag compares case-insensitively after trimming.
func (c Contact) HasTag(tag string) bool {
	tag = strings.TrimSpace(tag)
	for _, t := range c.Tags {
		if strings.EqualFold(strings.TrimSpace(t), tag) {
			return true
		}
	}
	return false
}
