package model

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Contact is an emergency contact. Lower PriorityTier means contacted
// earlier; uniqueness is by ID, not phone, so the same person may appear
// in multiple tiers (flagged, not rejected, at creation).
type Contact struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Relation     string    `json:"relation"`
	PriorityTier int       `json:"priority_tier"`
	CreatedAt    time.Time `json:"created_at"`
}

// NormalizePhone strips everything but digits and a leading plus so that
// "+1 (555) 010-0100" and "1 555 010 0100" compare equal.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeName lowercases and NFKC-normalizes a contact name for
// duplicate flagging.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(name)))
}

// SameContact reports whether two contacts look like the same person:
// matching normalized phone, or matching normalized name and relation.
func SameContact(a, b Contact) bool {
	if pa, pb := NormalizePhone(a.Phone), NormalizePhone(b.Phone); pa != "" && pa == pb {
		return true
	}
	return NormalizeName(a.Name) == NormalizeName(b.Name) && a.Relation == b.Relation
}
