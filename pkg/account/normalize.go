package account

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxNameLength caps normalized account names.
const MaxNameLength = 49

var (
	htmlEntity   = regexp.MustCompile(`&#?[a-z0-9]+;`)
	disallowed   = regexp.MustCompile(`[^a-z0-9\-\s]`)
	whitespace   = regexp.MustCompile(`\s+`)
	repeatedDash = regexp.MustCompile(`-{2,}`)
)

// NormalizeName turns a display name into the URL-safe name used for
// uniqueness. The result contains only [a-z0-9-], never starts or ends with
// a dash and is never a parseable UUID.
func NormalizeName(displayName string) string {
	s := strings.ToLower(displayName)
	s = stripDiacritics(s)
	s = htmlEntity.ReplaceAllString(s, "")
	s = disallowed.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(strings.TrimSpace(s), "-")
	s = repeatedDash.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxNameLength {
		s = strings.TrimRight(s[:MaxNameLength], "-")
	}
	if _, err := uuid.Parse(s); err == nil {
		s += randomDigit()
	}
	return s
}

func stripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func randomDigit() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10))
	if err != nil {
		return "0"
	}
	return strconv.FormatInt(n.Int64(), 10)
}
