// Package emergency flags questions that describe a possible medical
// emergency. Matching is keyword and pattern based, case and accent
// insensitive, and never consults the model.
package emergency

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// TermList is one language's set of emergency markers. Terms match as
// whole words after normalization; Patterns are regular expressions
// applied to the normalized text.
type TermList struct {
	Language string   `yaml:"language"`
	Terms    []string `yaml:"terms"`
	Patterns []string `yaml:"patterns"`
}

type Detector struct {
	rules []rule
}

type rule struct {
	source string
	re     *regexp.Regexp
}

// NewDetector compiles the given lists. With no lists it uses DefaultTerms.
func NewDetector(lists ...TermList) (*Detector, error) {
	if len(lists) == 0 {
		lists = []TermList{DefaultTerms()}
	}
	d := &Detector{}
	for _, l := range lists {
		for _, term := range l.Terms {
			n := normalize(term)
			if n == "" {
				continue
			}
			re, err := regexp.Compile(`\b` + regexp.QuoteMeta(n) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("emergency: term %q: %w", term, err)
			}
			d.rules = append(d.rules, rule{source: term, re: re})
		}
		for _, p := range l.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("emergency: pattern %q (%s): %w", p, l.Language, err)
			}
			d.rules = append(d.rules, rule{source: p, re: re})
		}
	}
	return d, nil
}

// Detect reports whether text contains any emergency marker.
func (d *Detector) Detect(text string) bool {
	_, ok := d.Match(text)
	return ok
}

// Match returns the first term or pattern that fired.
func (d *Detector) Match(text string) (string, bool) {
	n := normalize(text)
	if n == "" {
		return "", false
	}
	for _, r := range d.rules {
		if r.re.MatchString(n) {
			return r.source, true
		}
	}
	return "", false
}

// LoadTermList reads a YAML term list from path.
func LoadTermList(path string) (TermList, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return TermList{}, err
	}
	var l TermList
	if err := yaml.Unmarshal(b, &l); err != nil {
		return TermList{}, fmt.Errorf("emergency: parse %s: %w", path, err)
	}
	if len(l.Terms) == 0 && len(l.Patterns) == 0 {
		return TermList{}, fmt.Errorf("emergency: %s has no terms or patterns", path)
	}
	return l, nil
}

// normalize lowercases, strips diacritics and collapses whitespace.
func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}
