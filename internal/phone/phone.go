package phone

import "strings"

// DefaultCountryCode is the international prefix replaced by a domestic "0".
const DefaultCountryCode = "971"

const subscriberDigits = 6

// Normalizer canonicalizes phone numbers to the domestic dialing format.
type Normalizer struct {
	CountryCode string
}

// NewNormalizer returns a Normalizer for the given country code. An empty
// code falls back to DefaultCountryCode.
func NewNormalizer(countryCode string) Normalizer {
	countryCode = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(countryCode), "+"))
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return Normalizer{CountryCode: countryCode}
}

// Normalize replaces a leading country code (optionally prefixed with "+")
// with a single "0". Anything else is returned unchanged. The result never
// starts with the country code, so Normalize is idempotent.
func (n Normalizer) Normalize(number string) string {
	code := n.code()
	if code == "" {
		return number
	}
	trimmed := strings.TrimSpace(number)
	trimmed = strings.TrimPrefix(trimmed, "+")
	if rest, ok := strings.CutPrefix(trimmed, code); ok {
		return "0" + rest
	}
	return number
}

// International converts a domestic "0"-prefixed number into its country
// code form. Numbers already in another form are returned unchanged.
func (n Normalizer) International(number string) string {
	code := n.code()
	trimmed := strings.TrimSpace(number)
	if code == "" || !strings.HasPrefix(trimmed, "0") || strings.HasPrefix(trimmed, "00") {
		return number
	}
	return code + strings.TrimPrefix(trimmed, "0")
}

// Alternate returns the same number in the other numbering convention:
// domestic numbers become international and vice versa.
func (n Normalizer) Alternate(number string) string {
	if normalized := n.Normalize(number); normalized != number {
		return normalized
	}
	return n.International(number)
}

func (n Normalizer) code() string {
	code := strings.TrimPrefix(strings.TrimSpace(n.CountryCode), "+")
	// A code starting with 0 would make Normalize re-match its own output.
	if strings.HasPrefix(code, "0") {
		return ""
	}
	return code
}

// SameSubscriber reports whether two numbers identify the same party by
// comparing their trailing subscriber digits. Short numbers must match in full.
func SameSubscriber(a, b string) bool {
	da, db := Digits(a), Digits(b)
	if da == "" || db == "" {
		return false
	}
	if len(da) < subscriberDigits || len(db) < subscriberDigits {
		return da == db
	}
	return da[len(da)-subscriberDigits:] == db[len(db)-subscriberDigits:]
}

// Digits strips everything but ASCII digits.
func Digits(number string) string {
	var b strings.Builder
	b.Grow(len(number))
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
