// Package canonical normalizes action text so that semantically identical
// inputs always produce byte-identical output. This closes the encoding gap
// an agent could otherwise use to slip a forbidden action past rule matching
// or to break the binding between a proof and the action it covers.
package canonical

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// CanonicalizationError reports input that cannot be normalized.
// The caller may recover by re-encoding the input; the core never
// passes malformed text through silently.
type CanonicalizationError struct {
	Reason string
}

func (e *CanonicalizationError) Error() string {
	return fmt.Sprintf("canonicalization failed: %s", e.Reason)
}

// Normalize applies NFKC normalization, strips NUL and other control
// characters, and trims surrounding whitespace. Case is preserved.
func Normalize(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", &CanonicalizationError{Reason: "input is not valid UTF-8"}
	}

	stripped := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, raw)

	normalized := norm.NFKC.String(stripped)
	return strings.TrimSpace(normalized), nil
}

// Fold returns the case-folded canonical form used for rule matching and
// hashing. NFKC is applied twice because compatibility mapping can emit
// uppercase code points (e.g. Roman numerals) after the first fold.
func Fold(raw string) (string, error) {
	s, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	s = norm.NFKC.String(strings.ToLower(s))
	return strings.TrimSpace(strings.ToLower(s)), nil
}

// Equivalent reports whether two strings canonicalize to the same form.
func Equivalent(a, b string) bool {
	ca, errA := Fold(a)
	cb, errB := Fold(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca == cb
}
