// Package pii removes personal data from free text and derives pseudonymous
// identifiers, so audit trails can be grouped without holding raw values.
package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"unicode/utf8"
)

const (
	PlaceholderEmail = "<email>"
	PlaceholderPhone = "<telefone>"
	PlaceholderCPF   = "<cpf>"
	PlaceholderRG    = "<rg>"

	TruncatedSuffix = "…<truncated>"
)

type rule struct {
	re          *regexp.Regexp
	placeholder string
}

// Order matters: CPF runs before phone so an 11-digit CPF is never split
// into a phone match, and RG runs before phone for the same reason.
var rules = []rule{
	{regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), PlaceholderEmail},
	{regexp.MustCompile(`\b\d{3}[.\s]?\d{3}[.\s]?\d{3}[-/.\s]?\d{2}\b`), PlaceholderCPF},
	// a labelled RG may lack its check digit: "meu rg é 12.345.678"
	{regexp.MustCompile(`(?i)\bRG\b[^\d]{0,6}[\dXx][\dXx.\-]{4,13}[\dXx]|\b\d{1,2}\.\d{3}\.\d{3}-?[\dXx]\b`), PlaceholderRG},
	{regexp.MustCompile(`(?:(?:\+?55[\s\-]?)?\(?\d{2}\)?[\s\-]?)?9?\d{4}[\s\-]?\d{4}\b`), PlaceholderPhone},
}

// Redact replaces every email, CPF, RG and phone number with its fixed
// placeholder. Matches are replaced whole, never partially masked.
func Redact(text string) string {
	for _, r := range rules {
		text = r.re.ReplaceAllString(text, r.placeholder)
	}
	return text
}

// Pseudonymize returns the first 16 hex chars of HMAC-SHA256(id) keyed by
// salt. Same id and salt always produce the same output.
func Pseudonymize(id string, salt []byte) string {
	return Digest(id, salt)[:16]
}

// Digest is the full keyed HMAC-SHA256 of text in hex. It stands in for raw
// text when records need duplicate detection.
func Digest(text string, salt []byte) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(text))
	return hex.EncodeToString(mac.Sum(nil))
}

// Truncate cuts text to at most maxRunes runes, appending TruncatedSuffix
// when anything was removed. maxRunes <= 0 disables truncation.
func Truncate(text string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	n := 0
	for i := range text {
		if n == maxRunes {
			return text[:i] + TruncatedSuffix
		}
		n++
	}
	return text
}
