// Package normalize provides the text canonicalization strategies applied to
// license text before it is fingerprinted.
//
// A detector captures exactly one strategy at construction and applies it to
// both catalog entries and incoming queries. Mixing strategies between the two
// sides produces fingerprints that can never match.
package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Func transforms text into its canonical form. Implementations must be pure.
type Func func(string) string

// Mode names accepted by Get.
const (
	ModeDefault        = "default"
	ModeLowercaseASCII = "lowercase_ascii"
	ModeNone           = "none"
)

var (
	// preamblePattern matches a front-matter block opened and closed by "---\n".
	preamblePattern = regexp.MustCompile(`(---\n)(\n|.)+(---\n)`)

	// whitespacePattern matches the whitespace classes stripped from license text.
	whitespacePattern = regexp.MustCompile(`( |\t|\n|\r)`)

	stripAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// StripPreamble removes a structured preamble delimited by "---\n" markers,
// as found at the top of SPDX-style license files.
func StripPreamble(text string) string {
	return preamblePattern.ReplaceAllString(text, "")
}

// StripWhitespace removes spaces, tabs, carriage returns and line feeds.
func StripWhitespace(text string) string {
	return whitespacePattern.ReplaceAllString(text, "")
}

// Default strips the preamble and then all whitespace.
func Default(text string) string {
	return StripWhitespace(StripPreamble(text))
}

// LowercaseASCII applies Default, lowercases, and folds accented letters to
// their base form.
func LowercaseASCII(text string) string {
	folded, _, err := transform.String(stripAccents, strings.ToLower(Default(text)))
	if err != nil {
		return strings.ToLower(Default(text))
	}
	return folded
}

// None returns the text unchanged.
func None(text string) string {
	return text
}

// Get returns the strategy registered under mode. An empty mode selects Default.
func Get(mode string) (Func, error) {
	switch mode {
	case "", ModeDefault:
		return Default, nil
	case ModeLowercaseASCII:
		return LowercaseASCII, nil
	case ModeNone:
		return None, nil
	default:
		return nil, fmt.Errorf("unknown normalization mode: %s (must be default, lowercase_ascii, or none)", mode)
	}
}
