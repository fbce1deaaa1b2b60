// Package rut validates and formats Chilean national IDs (RUT).
package rut

import (
	"errors"
	"strings"
)

// ErrInvalid is returned when a RUT fails the checksum or length checks.
// It is recovered locally and must never reach the network layer.
var ErrInvalid = errors.New("invalid RUT")

// maxDisplayLen caps formatted output at "12.345.678-9" width.
const maxDisplayLen = 12

// Clean strips everything but digits and the check character, uppercased.
func Clean(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'k' || r == 'K':
			b.WriteByte('K')
		}
	}
	return b.String()
}

// Validate reports whether raw carries a correct check digit. The cleaned
// input must be 8 to 10 characters (body of at least 7 digits plus the check
// character).
func Validate(raw string) bool {
	cleaned := Clean(raw)
	if len(cleaned) < 8 || len(cleaned) > 10 {
		return false
	}

	body := cleaned[:len(cleaned)-1]
	dv := cleaned[len(cleaned)-1]
	if len(body) < 7 {
		return false
	}

	expected, ok := checkDigit(body)
	if !ok {
		return false
	}
	return expected == dv
}

// checkDigit computes the mod-11 check character over the body digits,
// weights cycling 2..7 from the least significant digit. Remainder 11 maps
// to '0', 10 to 'K'.
func checkDigit(body string) (byte, bool) {
	sum := 0
	mul := 2
	for i := len(body) - 1; i >= 0; i-- {
		c := body[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		sum += int(c-'0') * mul
		mul++
		if mul > 7 {
			mul = 2
		}
	}

	res := 11 - (sum % 11)
	switch res {
	case 11:
		return '0', true
	case 10:
		return 'K', true
	default:
		return byte('0' + res), true
	}
}

// Format renders a RUT for display: thousands-separator dots in the body and
// a hyphen before the check character, capped at 12 characters.
func Format(raw string) string {
	cleaned := Clean(raw)
	if len(cleaned) < 2 {
		return cleaned
	}
	// An 8-digit body plus check character is the widest value that fits the
	// display cap; longer input is trimmed.
	if len(cleaned) > 9 {
		cleaned = cleaned[:9]
	}

	body := cleaned[:len(cleaned)-1]
	dv := cleaned[len(cleaned)-1:]

	var b strings.Builder
	for i, c := range body {
		if i > 0 && (len(body)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(c)
	}
	b.WriteByte('-')
	b.WriteString(dv)

	out := b.String()
	if len(out) > maxDisplayLen {
		out = out[:maxDisplayLen]
	}
	return out
}

// Normalize returns the canonical "BODY-DV" form used as the backend lookup
// key, or ErrInvalid when the checksum fails.
func Normalize(raw string) (string, error) {
	if !Validate(raw) {
		return "", ErrInvalid
	}
	cleaned := Clean(raw)
	return cleaned[:len(cleaned)-1] + "-" + cleaned[len(cleaned)-1:], nil
}
