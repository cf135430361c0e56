package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

var ErrBadDecimal = errors.New("bad decimal value")

// ParseWad converts a non-negative decimal string ("0.05", "3000") to WAD
// scale. Config amounts stay strings end to end; floats never touch ledger
// parameters.
func ParseWad(s string) (*uint256.Int, error) {
	v, neg, err := ParseSignedWad(s)
	if err != nil {
		return nil, err
	}
	if neg {
		return nil, fmt.Errorf("%w: %q must not be negative", ErrBadDecimal, s)
	}
	return v, nil
}

// ParseSignedWad converts a decimal string to WAD scale plus a sign flag,
// for parameters like a curve's B intercept.
func ParseSignedWad(s string) (*uint256.Int, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false, fmt.Errorf("%w: empty", ErrBadDecimal)
	}
	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}
	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" && fracPart == "" {
		return nil, false, fmt.Errorf("%w: %q", ErrBadDecimal, s)
	}
	if len(fracPart) > 18 {
		return nil, false, fmt.Errorf("%w: %q has more than 18 fractional digits", ErrBadDecimal, s)
	}
	if intPart == "" {
		intPart = "0"
	}
	digits := intPart + fracPart + strings.Repeat("0", 18-len(fracPart))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return new(uint256.Int), false, nil
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %q: %v", ErrBadDecimal, s, err)
	}
	if v.IsZero() {
		neg = false
	}
	return v, neg, nil
}
