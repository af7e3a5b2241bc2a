// Package canonical normalizes free text into the form the firewall matches
// against. Obfuscated variants of a phrase (Cyrillic look-alikes, zero-width
// joiners, full-width forms, leetspeak, stray punctuation) all fold to the
// same canonical string as the plain phrase.
//
// Canonicalize is pure and idempotent: applying it to its own output is a
// no-op. Output consists of lower-case letters and digits separated by single
// ASCII spaces, with no leading or trailing space.
package canonical

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize applies, in order:
//
//  1. removal of zero-width and formatting characters
//  2. compatibility decomposition (NFKD) with non-spacing marks dropped
//  3. homoglyph folding to Latin
//  4. lower-casing
//  5. leetspeak folding
//  6. collapsing every run of non-alphanumeric runes to one space
func Canonicalize(text string) string {
	text = StripInvisible(text)
	text = norm.NFKD.String(text)

	var b strings.Builder
	b.Grow(len(text))
	pendingSpace := false

	for _, r := range text {
		if unicode.Is(unicode.Mn, r) || IsInvisible(r) {
			continue
		}

		r = foldHomoglyph(r)
		r = unicode.ToLower(r)
		r = foldLeet(r)

		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}

	return b.String()
}

// StripInvisible removes every rune for which IsInvisible reports true.
func StripInvisible(text string) string {
	if strings.IndexFunc(text, IsInvisible) < 0 {
		return text
	}
	return strings.Map(func(r rune) rune {
		if IsInvisible(r) {
			return -1
		}
		return r
	}, text)
}

// IsInvisible reports whether r is a zero-width, bidi-control or other
// formatting character that renders as nothing.
func IsInvisible(r rune) bool {
	switch {
	case r >= 0x200B && r <= 0x200F: // ZWSP, ZWNJ, ZWJ, LRM, RLM
		return true
	case r >= 0x202A && r <= 0x202E: // bidi embeddings and overrides
		return true
	case r == 0x2060: // word joiner
		return true
	case r >= 0x2066 && r <= 0x2069: // bidi isolates
		return true
	case r == 0xFEFF: // BOM / ZWNBSP
		return true
	}
	return unicode.Is(unicode.Cf, r)
}

// homoglyphs maps lower-case Cyrillic and Greek letters that render like a
// Latin letter to that letter. Lookups go through unicode.ToLower so the
// upper-case forms fold the same way.
var homoglyphs = map[rune]rune{
	// Cyrillic
	'а': 'a',
	'в': 'b',
	'с': 'c',
	'ԁ': 'd',
	'е': 'e',
	'һ': 'h',
	'н': 'h',
	'і': 'i',
	'ј': 'j',
	'к': 'k',
	'м': 'm',
	'о': 'o',
	'р': 'p',
	'ԛ': 'q',
	'ѕ': 's',
	'т': 't',
	'у': 'y',
	'ԝ': 'w',
	'х': 'x',
	// Greek
	'α': 'a',
	'β': 'b',
	'ε': 'e',
	'ι': 'i',
	'κ': 'k',
	'ο': 'o',
	'ρ': 'p',
	'τ': 't',
	'χ': 'x',
	// Latin extensions that NFKD leaves alone
	'ı': 'i',
	'ȷ': 'j',
	'ɑ': 'a',
	'ɡ': 'g',
}

func foldHomoglyph(r rune) rune {
	if r < unicode.MaxASCII {
		return r
	}
	if m, ok := homoglyphs[unicode.ToLower(r)]; ok {
		return m
	}
	return r
}

// foldLeet maps the common digit and symbol substitutions back to letters.
func foldLeet(r rune) rune {
	switch r {
	case '0':
		return 'o'
	case '1', '!', '|':
		return 'i'
	case '3':
		return 'e'
	case '4', '@':
		return 'a'
	case '5', '$':
		return 's'
	case '7':
		return 't'
	case '8':
		return 'b'
	}
	return r
}
