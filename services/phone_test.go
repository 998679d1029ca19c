package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripNonDigits(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+54 9 11 2536-7148", "5491125367148"},
		{"5491125367148", "5491125367148"},
		{"(11) 4444-5555", "1144445555"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StripNonDigits(tt.in))
	}
}

func TestNormalizeArgentinaMobile(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strips mobile indicator", "5491125367148", "541125367148"},
		{"already canonical", "541125367148", "541125367148"},
		{"wrong length untouched", "54911253671", "54911253671"},
		{"other country untouched", "5511987654321", "5511987654321"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeArgentinaMobile(tt.in))
		})
	}
}

func TestNormalizePhoneChain(t *testing.T) {
	// Formatting and the regional rule compose: each normalizer sees the
	// previous one's output.
	got := NormalizePhone("+54 9 11 2536-7148", DefaultNormalizers)
	assert.Equal(t, "541125367148", got)
}
