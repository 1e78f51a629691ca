// Package trackmatch decides whether two playback sources are reporting the
// same underlying track despite metadata differences (featuring credits,
// remaster suffixes, unicode variants).
package trackmatch

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	featRegex       = regexp.MustCompile(`(?i)\s*[\(\[]?\s*(?:feat\.?|ft\.?|featuring)\s+[^\)\]]*[\)\]]?\s*`)
	versionRegex    = regexp.MustCompile(`(?i)\s*[\(\[]\s*(remaster|remastered|deluxe|extended|radio edit|live|mono|stereo)[^\)\]]*[\)\]]\s*`)
	punctRegex      = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

type Matcher struct{}

func NewMatcher() *Matcher {
	return &Matcher{}
}

// SameTrack reports whether the two title/artist pairs refer to the same
// track after normalization.
func (m *Matcher) SameTrack(titleA, artistA, titleB, artistB string) bool {
	if titleA == "" || titleB == "" {
		return false
	}
	return m.NormalizeTitle(titleA) == m.NormalizeTitle(titleB) &&
		m.NormalizeArtist(artistA) == m.NormalizeArtist(artistB)
}

// NormalizeTitle strips featuring credits and edition suffixes and folds the
// remainder to a canonical comparable form.
func (m *Matcher) NormalizeTitle(title string) string {
	title = m.basicNormalize(title)
	title = featRegex.ReplaceAllString(title, " ")
	title = versionRegex.ReplaceAllString(title, " ")
	title = whitespaceRegex.ReplaceAllString(title, " ")
	return strings.TrimSpace(title)
}

// NormalizeArtist folds artist naming variants to a comparable form. Only the
// primary artist matters: joined artist lists are cut at the first separator.
func (m *Matcher) NormalizeArtist(artist string) string {
	// Cut joined artist lists before punctuation stripping removes the
	// separators themselves.
	lower := strings.ToLower(artist)
	for _, sep := range []string{",", " & ", " and ", " feat. ", " feat ", " ft. ", " ft ", " x ", " vs. ", " vs "} {
		if idx := strings.Index(lower, sep); idx > 0 {
			artist = artist[:idx]
			lower = lower[:idx]
		}
	}

	return m.basicNormalize(artist)
}

func (m *Matcher) basicNormalize(text string) string {
	text = norm.NFKD.String(text)

	var result strings.Builder
	for _, r := range text {
		if !unicode.IsMark(r) {
			result.WriteRune(r)
		}
	}
	text = result.String()

	text = punctRegex.ReplaceAllString(text, " ")
	text = whitespaceRegex.ReplaceAllString(text, " ")

	return strings.TrimSpace(strings.ToLower(text))
}
