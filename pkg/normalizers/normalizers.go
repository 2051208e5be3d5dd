// Package normalizers canonicalizes business identity fields before blocking
// and lexical comparison.
package normalizers

import (
	"strings"
	"unicode"
)

// legal-entity suffixes dropped from business names
var businessSuffixes = []string{
	"incorporated", "corporation", "company", "limited", "llc", "inc", "corp", "ltd", "co", "pllc", "lp", "llp",
}

// street terms abbreviated in addresses; applied in this order so results
// don't depend on map iteration
var addressReplacements = []struct{ full, abbr string }{
	{"street", "st"},
	{"avenue", "ave"},
	{"boulevard", "blvd"},
	{"drive", "dr"},
	{"road", "rd"},
	{"lane", "ln"},
	{"court", "ct"},
	{"circle", "cir"},
	{"place", "pl"},
	{"highway", "hwy"},
	{"parkway", "pkwy"},
	{"apartment", "apt"},
	{"suite", "ste"},
	{"north", "n"},
	{"south", "s"},
	{"east", "e"},
	{"west", "w"},
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// collapse lowercases s, replaces punctuation with spaces and squeezes runs of
// whitespace into one space.
func collapse(s string) string {
	var result strings.Builder
	prevSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			result.WriteRune(r)
			prevSpace = false
		case r == '&':
			if !prevSpace {
				result.WriteRune(' ')
			}
			result.WriteString("and ")
			prevSpace = true
		case r == '\'' || r == '.':
			// "joe's" and "st." keep their letters together
		default:
			if !prevSpace {
				result.WriteRune(' ')
				prevSpace = true
			}
		}
	}
	return strings.TrimSpace(result.String())
}

// NormalizeBusinessName lowercases, strips punctuation, drops a leading "the"
// and trailing legal-entity suffixes.
func NormalizeBusinessName(s string) string {
	words := strings.Fields(collapse(s))
	if len(words) > 1 && words[0] == "the" {
		words = words[1:]
	}
	for len(words) > 1 && isBusinessSuffix(words[len(words)-1]) {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// CompactName is the normalized business name with spaces removed.
func CompactName(s string) string {
	return strings.ReplaceAll(NormalizeBusinessName(s), " ", "")
}

func isBusinessSuffix(word string) bool {
	for _, suffix := range businessSuffixes {
		if word == suffix {
			return true
		}
	}
	return false
}

// NormalizeAddress lowercases, strips punctuation and abbreviates street terms
// word by word.
func NormalizeAddress(s string) string {
	words := strings.Fields(collapse(s))
	for i, w := range words {
		for _, rep := range addressReplacements {
			if w == rep.full {
				words[i] = rep.abbr
				break
			}
		}
	}
	return strings.Join(words, " ")
}

// NormalizePhone keeps the digits of a phone number and drops a leading US
// country code.
func NormalizePhone(s string) string {
	digits := DigitsOnly(s)
	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		return digits[1:]
	}
	return digits
}

// NormalizeZipCode returns the 5-digit US zip, or "" when s is not a zip.
func NormalizeZipCode(s string) string {
	digits := DigitsOnly(s)
	if len(digits) == 5 || len(digits) == 9 {
		return digits[:5]
	}
	return ""
}

// NormalizeWebsite reduces a URL to its host without scheme or "www.".
func NormalizeWebsite(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, prefix := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.TrimPrefix(s, "www.")
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, ".")
}

// Token normalizes free-form values used as lookup keys, such as verticals
// and states in scoring modifiers.
func Token(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
