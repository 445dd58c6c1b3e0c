// Package idcodec provides the base-63 codec used for entity identifiers.
//
// Base-63 Alphabet: A-Z (0-25), a-z (26-51), 0-9 (52-61), _ (62)
// This keeps IDs short (~11 chars for a full uint64 hash) and safe for use
// in file paths, URLs, and JSON without escaping.
package idcodec

import (
	"errors"
)

const (
	Base     = 63
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_"
)

var (
	ErrEmptyString = errors.New("empty encoded string")
	ErrInvalidChar = errors.New("invalid character in encoded string")
	ErrOverflow    = errors.New("decoded value overflow")
)

// Encode encodes a uint64 value to a base-63 string.
// Returns "A" for zero (minimum non-empty encoding).
func Encode(value uint64) string {
	if value == 0 {
		return "A"
	}

	// 11 chars is the maximum length for an encoded uint64
	var buf [11]byte
	pos := len(buf)

	for value > 0 {
		pos--
		buf[pos] = Alphabet[value%Base]
		value /= Base
	}

	return string(buf[pos:])
}

// Decode decodes a base-63 string to a uint64 value.
// Returns error for empty strings or invalid characters.
func Decode(encoded string) (uint64, error) {
	if encoded == "" {
		return 0, ErrEmptyString
	}

	var value uint64

	for _, c := range encoded {
		charVal, err := charToValue(c)
		if err != nil {
			return 0, err
		}

		// Check for overflow before multiplication
		if value > (^uint64(0))/Base {
			return 0, ErrOverflow
		}
		value = value*Base + charVal
	}

	return value, nil
}

// IsValid checks if a string is a valid base-63 encoded value.
func IsValid(encoded string) bool {
	if encoded == "" {
		return false
	}
	for _, c := range encoded {
		if _, err := charToValue(c); err != nil {
			return false
		}
	}
	return true
}

// charToValue converts a character to its base-63 numeric value (0-62).
func charToValue(c rune) (uint64, error) {
	switch {
	case c >= 'A' && c <= 'Z':
		return uint64(c - 'A'), nil
	case c >= 'a' && c <= 'z':
		return uint64(c-'a') + 26, nil
	case c >= '0' && c <= '9':
		return uint64(c-'0') + 52, nil
	case c == '_':
		return 62, nil
	default:
		return 0, ErrInvalidChar
	}
}
