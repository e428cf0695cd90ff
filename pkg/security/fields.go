package security

import "strings"

// SanitizeEmail masks an email address field-by-field: the local part
// keeps its first and last character when longer than two characters,
// the domain stem keeps only its first character, and the TLD is
// preserved. It runs independently of policy state, per spec.md §4.2.
func SanitizeEmail(email string) string {
	parts := strings.SplitN(email, "@", 2)
	if len(parts) != 2 {
		return "***"
	}
	return maskEmailLocal(parts[0]) + "@" + maskEmailDomain(parts[1])
}

func maskEmailLocal(local string) string {
	if len(local) > 2 {
		return string(local[0]) + "***" + string(local[len(local)-1])
	}
	return "***"
}

func maskEmailDomain(domain string) string {
	idx := strings.LastIndex(domain, ".")
	stem, tld := domain, ""
	if idx >= 0 {
		stem, tld = domain[:idx], domain[idx:]
	}

	maskedStem := "***"
	if len(stem) > 2 {
		maskedStem = string(stem[0]) + "***"
	}
	if tld == "" {
		tld = ".***"
	}
	return maskedStem + tld
}

// SanitizePhone keeps only the last four digits of a phone number.
func SanitizePhone(phone string) string {
	digits := onlyDigits(phone)
	if len(digits) < 4 {
		return "***-***"
	}
	return "***-***-" + digits[len(digits)-4:]
}

// SanitizeCreditCard keeps only the last four digits of a card number.
func SanitizeCreditCard(card string) string {
	digits := onlyDigits(card)
	if len(digits) < 4 {
		return "****"
	}
	return "****-****-****-" + digits[len(digits)-4:]
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// maskFieldValue implements spec.md §4.2's field-level mask: applied
// wholesale to any value whose key matches a sensitive field name,
// regardless of the value's type.
func maskFieldValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return "***"
	case string:
		if len(val) <= 3 {
			return "***"
		}
		return string(val[0]) + "***" + string(val[len(val)-1])
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return "***"
	default:
		return "***[MASKED]***"
	}
}
