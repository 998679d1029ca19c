package services

import "strings"

// PhoneNormalizer rewrites a channel phone identity into the canonical form
// stored on clients. Normalizers are applied in order; each sees the output
// of the previous one.
type PhoneNormalizer func(phone string) string

// DefaultNormalizers is the chain applied by the resolver on every channel.
// Regional rules live here so both the cloud and web adapters resolve the
// same customer to the same client row.
var DefaultNormalizers = []PhoneNormalizer{
	StripNonDigits,
	NormalizeArgentinaMobile,
}

// NormalizePhone runs a phone identity through a normalizer chain.
func NormalizePhone(phone string, normalizers []PhoneNormalizer) string {
	for _, n := range normalizers {
		phone = n(phone)
	}
	return phone
}

// StripNonDigits drops formatting characters ("+", spaces, dashes).
func StripNonDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeArgentinaMobile removes the mobile-indicator 9 after country code
// 54. Meta delivers 5491125367148 but expects 541125367148 on send.
func NormalizeArgentinaMobile(phone string) string {
	if strings.HasPrefix(phone, "549") && len(phone) == 13 {
		return "54" + phone[3:]
	}
	return phone
}
