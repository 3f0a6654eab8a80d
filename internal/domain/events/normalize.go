package events

import (
	"html"
	"regexp"
	"strings"
)

// spaceRuns matches runs of whitespace including ideographic spaces, which
// plain \s does not cover.
var spaceRuns = regexp.MustCompile(`[\s\p{Zs}]+`)

// nameStripPatterns are site decorations and qualifiers removed from event
// names before grouping, applied in order.
var nameStripPatterns = []*regexp.Regexp{
	regexp.MustCompile(`の日程・開催情報.*$`),
	regexp.MustCompile(`の開催情報.*$`),
	regexp.MustCompile(`\s*-\s*ウェザーニュース.*$`),
	regexp.MustCompile(`\s*-\s*花火大会.*$`),
	regexp.MustCompile(`^【\d{4}年?】`),
	regexp.MustCompile(`^\[\d{4}\]`),
	regexp.MustCompile(`^[【\[]?(20\d{2})[】\]]`),
	regexp.MustCompile(`[（(\[【].{0,24}(市|区|町|村).*[)）\]】]$`),
	regexp.MustCompile(`\(?(北海道|東京都|京都府|大阪府|.{2,3}県).*$`),
}

var (
	editionPrefix = regexp.MustCompile(`^第\d+回\s*`)
	punctRuns     = regexp.MustCompile(`[・･·\-_−\s\p{Zs}]+`)
)

// Clean collapses whitespace runs to a single space and trims the ends.
func Clean(s string) string {
	return strings.TrimSpace(spaceRuns.ReplaceAllString(s, " "))
}

// CleanBlock cleans each line separately and drops blank lines, keeping
// paragraph structure that Clean would flatten.
func CleanBlock(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if cleaned := Clean(line); cleaned != "" {
			lines = append(lines, cleaned)
		}
	}
	return strings.Join(lines, "\n")
}

// NormalizeRawName reduces an event name to its grouping form: HTML entities
// unescaped, decorations stripped, punctuation runs collapsed, lower-cased.
func NormalizeRawName(name string) string {
	s := html.UnescapeString(name)
	s = Clean(s)
	for _, p := range nameStripPatterns {
		s = p.ReplaceAllString(s, "")
	}
	s = editionPrefix.ReplaceAllString(s, "")
	s = punctRuns.ReplaceAllString(s, " ")
	return strings.ToLower(Clean(s))
}

// NormalizeName applies the alias map on top of NormalizeRawName. It returns
// the raw normalized name, the canonical name, and whether an alias changed
// the name.
func NormalizeName(name string, aliases AliasMap) (raw, canonical string, aliasApplied bool) {
	raw = NormalizeRawName(name)
	canonical = raw
	if mapped, ok := aliases[raw]; ok {
		canonical = mapped
	}
	return raw, canonical, canonical != raw
}

var (
	cornerBracketBlock = regexp.MustCompile(`【[^】]*】`)
	squareBracketBlock = regexp.MustCompile(`\[[^\]]*\]`)
	fullParenBlock     = regexp.MustCompile(`（[^）]*）`)
	halfParenBlock     = regexp.MustCompile(`\([^)]*\)`)
	dashTail           = regexp.MustCompile(`\s*-\s*.*$`)
	heldAtSuffix       = regexp.MustCompile(`で開催[^\s]*`)
	quoteMarks         = regexp.MustCompile(`[「」『』]`)
)

// NormalizeNameForGeocode strips bracketed qualifiers and narrative suffixes
// so the bare event title can serve as a geocode query.
func NormalizeNameForGeocode(name string) string {
	s := Clean(name)
	if s == "" {
		return ""
	}
	s = cornerBracketBlock.ReplaceAllString(s, " ")
	s = squareBracketBlock.ReplaceAllString(s, " ")
	s = fullParenBlock.ReplaceAllString(s, " ")
	s = halfParenBlock.ReplaceAllString(s, " ")
	s = dashTail.ReplaceAllString(s, " ")
	s = heldAtSuffix.ReplaceAllString(s, " ")
	s = quoteMarks.ReplaceAllString(s, " ")
	return Clean(s)
}

var matchPunct = regexp.MustCompile(`[【】\[\]（）()「」『』・,，、。.!！?？:：/／\\\-~〜～]`)

// NormalizeNameForMatch flattens a name for cross-run identity lookups:
// lower-cased with whitespace and common punctuation removed entirely.
func NormalizeNameForMatch(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = spaceRuns.ReplaceAllString(s, "")
	return matchPunct.ReplaceAllString(s, "")
}
