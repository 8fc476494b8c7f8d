package identity

import (
	"strings"
)

// Identity is the caller view derived from a validated session.
type Identity struct {
	UserID string `json:"id"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Role   string `json:"role"`
}

// Valid reports whether the identity carries a usable user id.
func (i Identity) Valid() bool {
	return strings.TrimSpace(i.UserID) != ""
}

// NormalizedPhone returns the phone number in its comparison form.
func (i Identity) NormalizedPhone() string {
	return NormalizePhone(i.Phone)
}

// NormalizePhone strips separators so that "+1 (555) 010-2030" and
// "+15550102030" compare equal. A leading plus sign is preserved.
func NormalizePhone(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	var builder strings.Builder
	builder.Grow(len(trimmed))
	for index, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '+' && index == 0:
			builder.WriteRune(r)
		}
	}
	normalized := builder.String()
	if normalized == "+" {
		return ""
	}
	return normalized
}

// NormalizePhones normalizes and de-duplicates a list, dropping empty entries.
func NormalizePhones(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	result := make([]string, 0, len(raw))
	for _, value := range raw {
		phone := NormalizePhone(value)
		if phone == "" {
			continue
		}
		if _, ok := seen[phone]; ok {
			continue
		}
		seen[phone] = struct{}{}
		result = append(result, phone)
	}
	return result
}
