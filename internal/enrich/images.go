package enrich

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/boogieLing/Tsugie/internal/metrics"
)

var (
	nonFilenamePattern   = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	underscoreRunPattern = regexp.MustCompile(`_+`)
)

// sanitizeFilenameFragment reduces a URL path stem to a safe ASCII fragment.
func sanitizeFilenameFragment(text string) string {
	out := nonFilenamePattern.ReplaceAllString(text, "_")
	out = underscoreRunPattern.ReplaceAllString(out, "_")
	out = strings.Trim(out, "_")
	if out == "" {
		return "image"
	}
	if len(out) > 80 {
		out = out[:80]
	}
	return out
}

// inferExtension trusts the content type first and the URL path second.
func inferExtension(imageURL, contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "image/jpeg"):
		return "jpg"
	case strings.Contains(ct, "image/png"):
		return "png"
	case strings.Contains(ct, "image/webp"):
		return "webp"
	case strings.Contains(ct, "image/gif"):
		return "gif"
	case strings.Contains(ct, "image/avif"):
		return "avif"
	}

	parsed, err := url.Parse(imageURL)
	if err != nil {
		return "img"
	}
	m := imageExtensionPattern.FindStringSubmatch(strings.ToLower(parsed.Path))
	if m == nil {
		return "img"
	}
	switch ext := m[1]; ext {
	case "jpeg":
		return "jpg"
	case "jpg", "png", "webp", "gif", "avif":
		return ext
	}
	return "img"
}

func urlPathStem(imageURL string) string {
	parsed, err := url.Parse(imageURL)
	if err != nil {
		return ""
	}
	base := path.Base(parsed.Path)
	if base == "/" || base == "." {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// downloadImages fetches up to maxImages of the listed URLs into targetDir
// and returns the written paths. A remote failure or an oversized or
// non-image answer skips that URL; the record keeps the URL list either way.
// File names stay stable across runs: index, sanitized stem, URL digest.
func (f *fetcher) downloadImages(ctx context.Context, imageURLs []string, targetDir string, maxImages, maxBytes int) ([]string, error) {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}

	limit := len(imageURLs)
	if maxImages < limit {
		limit = maxImages
	}

	var downloaded []string
	for idx, imageURL := range imageURLs[:limit] {
		raw, contentType, err := f.fetchImage(ctx, imageURL)
		if err != nil {
			return downloaded, err
		}
		if len(raw) == 0 {
			continue
		}
		if !strings.Contains(strings.ToLower(contentType), "image/") {
			continue
		}
		if maxBytes > 0 && len(raw) > maxBytes {
			continue
		}

		fileName := fmt.Sprintf("%02d_%s_%s.%s",
			idx+1,
			sanitizeFilenameFragment(urlPathStem(imageURL)),
			sha1Hex(imageURL)[:10],
			inferExtension(imageURL, contentType),
		)
		outPath := filepath.Join(targetDir, fileName)
		if err := os.WriteFile(outPath, raw, 0o644); err != nil {
			return downloaded, fmt.Errorf("write image: %w", err)
		}
		metrics.ImagesDownloaded.Inc()
		downloaded = append(downloaded, outPath)
	}
	return downloaded, nil
}
