package enrich

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	json "github.com/goccy/go-json"
	"golang.org/x/net/html"

	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/sanitize"
)

// PageExtract is what one fetched page contributed: the chosen description
// and the image URLs worth downloading.
type PageExtract struct {
	URL            string
	FinalURL       string
	RawDescription string
	ImageURLs      []string
}

// descriptionSelectors name the content wells JP event sites actually use,
// most specific first.
var descriptionSelectors = []string{
	"article p",
	"main p",
	".entry-content p",
	".post-content p",
	".article-body p",
	".event-detail p",
	".event-content p",
	".content p",
}

var imageSelectors = []string{
	"article img[src]",
	"article img[data-src]",
	"main img[src]",
	"main img[data-src]",
	".entry-content img[src]",
	".post-content img[src]",
	".event-detail img[src]",
	"img[src]",
	"img[data-src]",
}

var metaDescriptionKeys = [][2]string{
	{"property", "og:description"},
	{"name", "description"},
	{"name", "twitter:description"},
}

var metaImageKeys = [][2]string{
	{"property", "og:image"},
	{"name", "twitter:image"},
	{"itemprop", "image"},
}

var skipImagePatterns = []string{
	"sprite",
	"icon",
	"logo",
	"blank",
	"spacer",
	"tracking",
	"avatar",
}

// dirtyImageFingerprints mark site-furniture images seen in production data
// that pass every other filter.
var dirtyImageFingerprints = []string{
	"banner1_069a0e3420",
}

// skipContextMarkers flag navigation/boilerplate lines on schedule pages
// that happen to contain the event name.
var skipContextMarkers = []string{
	"今日は何の祭り",
	"一覧形式で紹介",
	"ご注意",
	"メルマガ",
	"トップページ",
}

var (
	eventContextNormPattern = regexp.MustCompile(`[\s　・･（）()［］\[\]【】「」『』,，、。~〜～\-]`)
	bulletPrefixPattern     = regexp.MustCompile(`^[■□◆◇●○・]+\s*`)
	imageExtensionPattern   = regexp.MustCompile(`\.([a-z0-9]{2,5})$`)
)

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// clipRunes truncates to max runes and strips trailing whitespace left by
// the cut.
func clipRunes(s string, max int) string {
	if runeLen(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimRightFunc(string(runes[:max]), unicode.IsSpace)
}

// selectionText joins the visible text nodes under sel with sep, skipping
// script and style bodies.
func selectionText(sel *goquery.Selection, sep string) string {
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			parts = append(parts, n.Data)
			return
		case html.CommentNode, html.DoctypeNode:
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(parts, sep)
}

// findByAttr returns the first element whose attribute equals value, in
// document order. Attribute lookup avoids CSS escaping issues with the
// fragment ids JP sites use.
func findByAttr(doc *goquery.Document, key, value string) *goquery.Selection {
	var found *goquery.Selection
	doc.Find("*").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if attr, ok := s.Attr(key); ok && attr == value {
			found = s
			return false
		}
		return true
	})
	return found
}

// isScheduleAnchorURL recognizes omatsuri.com month-schedule URLs, where the
// fragment points at one event row inside a page that lists dozens.
func isScheduleAnchorURL(sourceURL string) bool {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(parsed.Host, "omatsuri.com") &&
		strings.Contains(parsed.Path, "/sch/") &&
		parsed.Fragment != ""
}

func findAnchorNode(doc *goquery.Document, sourceURL string) *goquery.Selection {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return nil
	}
	fragment := events.Clean(parsed.Fragment)
	if fragment == "" {
		return nil
	}
	if node := findByAttr(doc, "id", fragment); node != nil {
		return node
	}
	return findByAttr(doc, "name", fragment)
}

var anchorContainerTags = []string{"tr", "li", "p", "section", "article", "div"}

// findAnchorContainer climbs to the nearest enclosing block with enough text
// to describe the event; a bare anchor falls back to itself.
func findAnchorContainer(node *goquery.Selection) *goquery.Selection {
	for _, tag := range anchorContainerTags {
		parent := node.ParentsFiltered(tag).First()
		if parent.Length() == 0 {
			continue
		}
		txt := events.CleanBlock(selectionText(parent, " "))
		if runeLen(txt) >= 6 {
			return parent
		}
	}
	return node
}

func collectAnchorDescription(doc *goquery.Document, sourceURL string, maxChars int) string {
	node := findAnchorNode(doc, sourceURL)
	if node == nil {
		return ""
	}
	container := findAnchorContainer(node)
	text := events.CleanBlock(selectionText(container, " "))
	if text == "" {
		return ""
	}
	return clipRunes(text, maxChars)
}

// collectEventContextDescription scans the page line by line for the event
// name and keeps the shortest matching line, which on schedule pages is the
// event's own row rather than a page-level block that merely mentions it.
func collectEventContextDescription(doc *goquery.Document, eventName string, maxChars int) string {
	name := events.Clean(eventName)
	if name == "" {
		return ""
	}
	normalizedName := eventContextNormPattern.ReplaceAllString(name, "")
	if normalizedName == "" {
		return ""
	}

	raw := selectionText(doc.Selection, "\n")
	raw = strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(raw)
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if cleaned := events.Clean(line); cleaned != "" {
			lines = append(lines, cleaned)
		}
	}

	var candidates []string
	seen := make(map[string]bool)
	for _, line := range lines {
		if !strings.Contains(eventContextNormPattern.ReplaceAllString(line, ""), normalizedName) {
			continue
		}
		if hasSkipMarker(line) {
			continue
		}
		merged := events.CleanBlock(bulletPrefixPattern.ReplaceAllString(line, ""))
		if merged == "" || seen[merged] {
			continue
		}
		seen[merged] = true
		candidates = append(candidates, merged)
	}
	if len(candidates) == 0 {
		return ""
	}

	sort.Slice(candidates, func(i, j int) bool {
		li, lj := runeLen(candidates[i]), runeLen(candidates[j])
		if li != lj {
			return li < lj
		}
		return candidates[i] < candidates[j]
	})
	return clipRunes(candidates[0], maxChars)
}

func hasSkipMarker(line string) bool {
	for _, marker := range skipContextMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func extractMeta(doc *goquery.Document, keys [][2]string) []string {
	var values []string
	for _, kv := range keys {
		doc.Find(fmt.Sprintf("meta[%s='%s']", kv[0], kv[1])).Each(func(_ int, s *goquery.Selection) {
			if content := events.Clean(sanitize.Text(s.AttrOr("content", ""))); content != "" {
				values = append(values, content)
			}
		})
	}
	return values
}

func iterJSONLDObjects(doc *goquery.Document) []map[string]any {
	var out []map[string]any
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return
		}
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return
		}
		switch v := parsed.(type) {
		case map[string]any:
			out = append(out, v)
		case []any:
			for _, item := range v {
				if obj, ok := item.(map[string]any); ok {
					out = append(out, obj)
				}
			}
		}
	})
	return out
}

// sortedKeys gives map walks a stable order; JSON object key order is lost
// in decoding.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func collectJSONLDDescriptions(objects []map[string]any) []string {
	var values []string
	var walk func(node any)
	walk = func(node any) {
		switch v := node.(type) {
		case map[string]any:
			if desc, ok := v["description"].(string); ok {
				if cleaned := events.CleanBlock(sanitize.Text(desc)); cleaned != "" {
					values = append(values, cleaned)
				}
			}
			for _, key := range sortedKeys(v) {
				walk(v[key])
			}
		case []any:
			for _, item := range v {
				walk(item)
			}
		}
	}
	for _, obj := range objects {
		walk(obj)
	}
	return values
}

func collectJSONLDImages(objects []map[string]any, baseURL string) []string {
	var values []string
	add := func(raw any) {
		s, ok := raw.(string)
		if !ok {
			return
		}
		if u := normalizeURL(s, baseURL); u != "" {
			values = append(values, u)
		}
	}
	var walk func(node any)
	walk = func(node any) {
		switch v := node.(type) {
		case map[string]any:
			switch image := v["image"].(type) {
			case string:
				add(image)
			case map[string]any:
				add(image["url"])
			case []any:
				for _, x := range image {
					switch item := x.(type) {
					case string:
						add(item)
					case map[string]any:
						add(item["url"])
					}
				}
			}
			for _, key := range sortedKeys(v) {
				walk(v[key])
			}
		case []any:
			for _, item := range v {
				walk(item)
			}
		}
	}
	for _, obj := range objects {
		walk(obj)
	}
	return values
}

// normalizeURL resolves a candidate against the page URL and keeps only
// http(s) results.
func normalizeURL(rawURL, baseURL string) string {
	text := events.Clean(rawURL)
	if text == "" || strings.HasPrefix(text, "data:") {
		return ""
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	abs, err := base.Parse(text)
	if err != nil {
		return ""
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

func looksLikeImageURL(u string) bool {
	low := strings.ToLower(u)
	for _, fp := range dirtyImageFingerprints {
		if strings.Contains(low, fp) {
			return false
		}
	}
	for _, p := range skipImagePatterns {
		if strings.Contains(low, p) {
			return false
		}
	}
	return !strings.HasPrefix(low, "data:")
}

// isGenericImageURL flags page furniture (headers, OGP defaults) that must
// not represent a single event from a schedule page.
func isGenericImageURL(u string) bool {
	low := strings.ToLower(u)
	for _, fp := range dirtyImageFingerprints {
		if strings.Contains(low, fp) {
			return true
		}
	}
	if strings.HasSuffix(low, "/img/header.jpg") ||
		strings.HasSuffix(low, "/img/header.jpeg") ||
		strings.HasSuffix(low, "/img/header.png") {
		return true
	}
	return strings.Contains(low, "ogp0.png")
}

func collectAnchorImageURLs(doc *goquery.Document, sourceURL, baseURL string, maxImages int) []string {
	node := findAnchorNode(doc, sourceURL)
	if node == nil {
		return nil
	}
	container := findAnchorContainer(node)

	var urls []string
	container.Find("img[src], img[data-src]").Each(func(_ int, img *goquery.Selection) {
		src := img.AttrOr("src", "")
		if src == "" {
			src = img.AttrOr("data-src", "")
		}
		u := normalizeURL(src, baseURL)
		if u == "" || !looksLikeImageURL(u) {
			return
		}
		urls = append(urls, u)
	})

	var deduped []string
	seen := make(map[string]bool)
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		deduped = append(deduped, u)
		if len(deduped) >= maxImages {
			break
		}
	}
	return deduped
}

func collectDescriptionFromSelectors(doc *goquery.Document, maxChars int) string {
	var chunks []string
	seen := make(map[string]bool)
	totalLen := 0

	for _, selector := range descriptionSelectors {
		doc.Find(selector).EachWithBreak(func(_ int, node *goquery.Selection) bool {
			txt := events.CleanBlock(selectionText(node, " "))
			if txt == "" || runeLen(txt) < 18 || seen[txt] {
				return true
			}
			seen[txt] = true
			chunks = append(chunks, txt)
			totalLen += runeLen(txt)
			return totalLen < maxChars
		})
		if totalLen >= maxChars {
			break
		}
	}
	if len(chunks) == 0 {
		return ""
	}
	return clipRunes(strings.Join(chunks, "\n"), maxChars)
}

// chooseRawDescription picks the longest candidate among meta descriptions,
// JSON-LD descriptions, and accumulated content paragraphs.
func chooseRawDescription(doc *goquery.Document, maxChars int) string {
	jsonld := iterJSONLDObjects(doc)
	var candidates []string
	candidates = append(candidates, extractMeta(doc, metaDescriptionKeys)...)
	candidates = append(candidates, collectJSONLDDescriptions(jsonld)...)
	if paragraphText := collectDescriptionFromSelectors(doc, maxChars); paragraphText != "" {
		candidates = append(candidates, paragraphText)
	}

	var cleaned []string
	seen := make(map[string]bool)
	for _, c := range candidates {
		text := events.CleanBlock(c)
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		cleaned = append(cleaned, text)
	}
	if len(cleaned) == 0 {
		return ""
	}
	sort.SliceStable(cleaned, func(i, j int) bool {
		return runeLen(cleaned[i]) > runeLen(cleaned[j])
	})
	return clipRunes(cleaned[0], maxChars)
}

func collectImageURLs(doc *goquery.Document, baseURL string, maxImages int) []string {
	jsonld := iterJSONLDObjects(doc)
	var urls []string
	for _, x := range extractMeta(doc, metaImageKeys) {
		urls = append(urls, normalizeURL(x, baseURL))
	}
	urls = append(urls, collectJSONLDImages(jsonld, baseURL)...)

	for _, selector := range imageSelectors {
		doc.Find(selector).Each(func(_ int, node *goquery.Selection) {
			src := node.AttrOr("src", "")
			if src == "" {
				src = node.AttrOr("data-src", "")
			}
			if u := normalizeURL(src, baseURL); u != "" {
				urls = append(urls, u)
			}
		})
	}

	var deduped []string
	seen := make(map[string]bool)
	for _, u := range urls {
		if u == "" || seen[u] || !looksLikeImageURL(u) {
			continue
		}
		seen[u] = true
		deduped = append(deduped, u)
		if len(deduped) >= maxImages {
			break
		}
	}
	return deduped
}

// ExtractFromPage pulls the event description and images out of a fetched
// page. Description priority: the line naming the event, then the anchored
// row, then the page-level candidates. Schedule-anchor pages never fall back
// to page-level text or generic page images, which describe the whole month.
func ExtractFromPage(sourceURL, finalURL, pageHTML, eventName string, maxDescChars, maxImages int) PageExtract {
	base := finalURL
	if base == "" {
		base = sourceURL
	}
	extract := PageExtract{URL: sourceURL, FinalURL: base}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return extract
	}

	eventDescription := collectEventContextDescription(doc, eventName, maxDescChars)
	anchorDescription := collectAnchorDescription(doc, sourceURL, maxDescChars)
	switch {
	case eventDescription != "":
		extract.RawDescription = eventDescription
	case isScheduleAnchorURL(sourceURL):
		extract.RawDescription = anchorDescription
	default:
		extract.RawDescription = anchorDescription
		if extract.RawDescription == "" {
			extract.RawDescription = chooseRawDescription(doc, maxDescChars)
		}
	}

	extract.ImageURLs = collectAnchorImageURLs(doc, sourceURL, base, maxImages)
	if len(extract.ImageURLs) == 0 {
		extract.ImageURLs = collectImageURLs(doc, base, maxImages)
		if isScheduleAnchorURL(sourceURL) {
			var kept []string
			for _, u := range extract.ImageURLs {
				if !isGenericImageURL(u) {
					kept = append(kept, u)
				}
			}
			if len(kept) > maxImages {
				kept = kept[:maxImages]
			}
			extract.ImageURLs = kept
		}
	}
	return extract
}

// pickBestPageExtract keeps the page that said the most: longest description
// first, image count as tiebreak, earlier page winning ties.
func pickBestPageExtract(candidates []PageExtract) *PageExtract {
	if len(candidates) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(candidates); i++ {
		di, ii := runeLen(candidates[i].RawDescription), len(candidates[i].ImageURLs)
		db, ib := runeLen(candidates[best].RawDescription), len(candidates[best].ImageURLs)
		if di > db || (di == db && ii > ib) {
			best = i
		}
	}
	return &candidates[best]
}
