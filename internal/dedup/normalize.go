package dedup

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	yearRe    = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	ordinalRe = regexp.MustCompile(`\b\d+(?:st|nd|rd|th|a|o)\b|\b\d+[°ªº]`)
	editionRe = regexp.MustCompile(`\b(edizione|edition|ed)\b`)
	romanRe   = regexp.MustCompile(`\b(i{1,3}|iv|vi{0,3}|ix|xi{0,3})\b`)
	nonWordRe = regexp.MustCompile(`[^a-z0-9\s]+`)
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "at": {}, "for": {}, "in": {}, "of": {}, "on": {}, "the": {}, "to": {},
	"al": {}, "alla": {}, "con": {}, "da": {}, "dei": {}, "degli": {}, "del": {}, "della": {}, "delle": {},
	"di": {}, "e": {}, "gli": {}, "il": {}, "la": {}, "le": {}, "lo": {}, "nel": {}, "per": {}, "su": {},
	"un": {}, "una": {},
}

// foldDiacritics strips combining marks: "Città" becomes "Citta".
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeEventTitle reduces an event title to the tokens that identify the
// event across editions and sources:
//  1. Lower-casing and folding diacritics
//  2. Removing years, ordinals and edition words
//  3. Removing roman numerals and punctuation
//  4. Dropping stopwords and collapsing whitespace
func NormalizeEventTitle(title string) string {
	t := foldDiacritics(strings.ToLower(strings.TrimSpace(title)))
	t = yearRe.ReplaceAllString(t, " ")
	t = ordinalRe.ReplaceAllString(t, " ")
	t = editionRe.ReplaceAllString(t, " ")
	t = romanRe.ReplaceAllString(t, " ")
	t = nonWordRe.ReplaceAllString(t, " ")

	fields := strings.Fields(t)
	kept := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; !stop {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

// Similar reports whether two normalized titles name the same event.
func Similar(a, b string, minOverlap float64) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if len(a) > 8 && len(b) > 8 && (strings.Contains(a, b) || strings.Contains(b, a)) {
		return true
	}

	ta, tb := tokenSet(a), tokenSet(b)
	shorter, longer := ta, tb
	if len(tb) < len(ta) {
		shorter, longer = tb, ta
	}
	if len(shorter) < 2 {
		return false
	}
	shared := 0
	for tok := range shorter {
		if _, ok := longer[tok]; ok {
			shared++
		}
	}
	return float64(shared)/float64(len(shorter)) >= minOverlap
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.Fields(s) {
		set[f] = struct{}{}
	}
	return set
}
