package utils

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Skeleton reduces a display name to its lowercase alphabetic core:
// accents stripped, digits and symbols dropped. Two raiders generated from
// the same template ("User_4812", "User_4979") share a skeleton prefix.
func Skeleton(name string) string {
	stripped, _, err := transform.String(deaccent, name)
	if err != nil {
		stripped = name
	}

	var b strings.Builder
	for _, r := range strings.ToLower(stripped) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var leetReplacer = strings.NewReplacer(
	"0", "o", "1", "i", "3", "e", "4", "a", "5", "s", "7", "t", "8", "b",
	"@", "a", "$", "s", "!", "i", "|", "i", "+", "t",
)

// NormalizeLeet lowercases content, strips accents and folds common
// leetspeak substitutions so blacklist matching sees the plain word.
func NormalizeLeet(content string) string {
	stripped, _, err := transform.String(deaccent, content)
	if err != nil {
		stripped = content
	}
	return leetReplacer.Replace(strings.ToLower(stripped))
}

// CombiningRatio returns the share of runes that are combining marks.
// Zalgo text stacks them far beyond anything natural.
func CombiningRatio(content string) float64 {
	total := 0
	marks := 0
	for _, r := range content {
		total++
		if unicode.In(r, unicode.Mn, unicode.Me) {
			marks++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(marks) / float64(total)
}

// UpperRatio returns the share of letters that are uppercase.
func UpperRatio(content string) float64 {
	letters := 0
	upper := 0
	for _, r := range content {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

// CountEmoji counts unicode emoji plus custom platform emoji references.
func CountEmoji(content string) int {
	count := strings.Count(content, "<:")
	count += strings.Count(content, "<a:")
	for _, r := range content {
		if r >= 0x1F300 && r <= 0x1FAFF || r >= 0x2600 && r <= 0x27BF {
			count++
		}
	}
	return count
}

// LooksLikeConversation is the false-positive damper: a long multi-word
// message with sentence punctuation is almost never generated spam.
func LooksLikeConversation(content string) bool {
	if len(content) < 60 {
		return false
	}
	if len(strings.Fields(content)) < 10 {
		return false
	}
	return strings.ContainsAny(content, ".,!?;:")
}
