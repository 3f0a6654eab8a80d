// Package enrich fetches event pages referenced by fused rows, extracts
// descriptions and image URLs, polishes the text into three languages, and
// writes the per-run content artifacts. Runs are resumable: prior records
// are reused when the source set is unchanged and fresh enough.
package enrich

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	xcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

// encodingAliases folds the Shift-JIS label zoo onto cp932, the Windows
// superset every JP site actually serves.
var encodingAliases = map[string]string{
	"shift-jis":   "cp932",
	"shift_jis":   "cp932",
	"sjis":        "cp932",
	"x-sjis":      "cp932",
	"ms932":       "cp932",
	"windows-31j": "cp932",
	"cp932":       "cp932",
	"utf8":        "utf-8",
}

var (
	headerCharsetPattern = regexp.MustCompile(`(?i)charset\s*=\s*([^\s;]+)`)
	xmlEncodingPattern   = regexp.MustCompile(`(?i)encoding\s*=\s*["']\s*([A-Za-z0-9._-]+)\s*["']`)
	metaCharsetPattern   = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?\s*([A-Za-z0-9._-]+)`)
	metaContentPattern   = regexp.MustCompile(`(?i)content\s*=\s*["'][^"']*charset\s*=\s*([A-Za-z0-9._-]+)`)
)

func normalizeEncodingLabel(label string) string {
	text := strings.ToLower(events.Clean(label))
	if text == "" {
		return ""
	}
	if alias, ok := encodingAliases[text]; ok {
		return alias
	}
	return text
}

// detectDeclaredEncodings collects encoding labels the page declares about
// itself, in trust order: HTTP header, XML declaration, meta charset, meta
// http-equiv content. Only the first 4KiB are scanned.
func detectDeclaredEncodings(raw []byte, contentType string) []string {
	var candidates []string
	add := func(value string) {
		normalized := normalizeEncodingLabel(value)
		if normalized != "" && !containsString(candidates, normalized) {
			candidates = append(candidates, normalized)
		}
	}

	if m := headerCharsetPattern.FindStringSubmatch(contentType); m != nil {
		add(strings.Trim(m[1], `"'`))
	}

	head := raw
	if len(head) > 4096 {
		head = head[:4096]
	}
	headASCII := asciiOnly(head)

	if m := xmlEncodingPattern.FindStringSubmatch(headASCII); m != nil {
		add(m[1])
	}
	if m := metaCharsetPattern.FindStringSubmatch(headASCII); m != nil {
		add(m[1])
	}
	if m := metaContentPattern.FindStringSubmatch(headASCII); m != nil {
		add(m[1])
	}
	return candidates
}

// asciiOnly drops non-ASCII bytes so multi-byte sequences cannot confuse the
// label regexes.
func asciiOnly(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		if c < 0x80 {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// decodeHTML converts a response body to UTF-8. Declared encodings are tried
// first, then a content-sniffed hint, then the stable JP fallbacks; each
// candidate must decode without replacement characters. The last resort is
// UTF-8 with replacement so a caller always gets usable text.
func decodeHTML(raw []byte, contentType string) string {
	if len(raw) == 0 {
		return ""
	}

	candidates := detectDeclaredEncodings(raw, contentType)
	if inferred := sniffEncoding(raw); inferred != "" {
		candidates = append(candidates, inferred)
	}
	candidates = append(candidates, "utf-8", "cp932", "shift_jis", "euc_jp")

	tried := make(map[string]bool)
	for _, label := range candidates {
		if label == "" || tried[label] {
			continue
		}
		tried[label] = true
		if decoded, ok := decodeStrict(raw, label); ok {
			return decoded
		}
	}
	return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
}

// sniffEncoding asks the statistical detector for a hint, normalized to the
// same label space as the declared candidates.
func sniffEncoding(raw []byte) string {
	result, err := chardet.NewHtmlDetector().DetectBest(raw)
	if err != nil || result == nil {
		return ""
	}
	return normalizeEncodingLabel(result.Charset)
}

// decodeStrict decodes raw under the label, failing on any byte sequence the
// encoding cannot represent.
func decodeStrict(raw []byte, label string) (string, bool) {
	switch label {
	case "utf-8":
		if utf8.Valid(raw) {
			return string(raw), true
		}
		return "", false
	case "ascii", "us-ascii":
		for _, c := range raw {
			if c >= 0x80 {
				return "", false
			}
		}
		return string(raw), true
	}

	enc := lookupEncoding(label)
	if enc == nil {
		return "", false
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", false
	}
	// x/text decoders substitute U+FFFD instead of erroring; treat any
	// substitution as a failed candidate.
	if strings.ContainsRune(string(decoded), utf8.RuneError) {
		return "", false
	}
	return string(decoded), true
}

func lookupEncoding(label string) encoding.Encoding {
	switch label {
	case "cp932", "shift_jis", "shift-jis", "sjis", "x-sjis", "ms932", "windows-31j":
		return japanese.ShiftJIS
	case "euc_jp", "euc-jp":
		return japanese.EUCJP
	case "iso-2022-jp":
		return japanese.ISO2022JP
	}
	enc, _ := xcharset.Lookup(label)
	return enc
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
