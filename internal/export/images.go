package export

import (
	"errors"
	"fmt"
	"os"

	"github.com/h2non/bimg"

	"github.com/boogieLing/Tsugie/internal/metrics"
)

// ImageEncoderFunc re-encodes one local image file into bounded JPEG bytes.
type ImageEncoderFunc func(path string, maxPx, quality int) ([]byte, error)

// encodeJPEGFile is the default encoder: a libvips re-encode to JPEG with
// metadata stripped and the longest side capped at maxPx. Images already
// inside the bound keep their dimensions.
func encodeJPEGFile(path string, maxPx, quality int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	img := bimg.NewImage(raw)
	meta, err := img.Metadata()
	if err != nil {
		return nil, fmt.Errorf("read image metadata: %w", err)
	}

	options := bimg.Options{
		Type:          bimg.JPEG,
		Quality:       quality,
		StripMetadata: true,
	}
	width, height := meta.Size.Width, meta.Size.Height
	if width >= height {
		if width > maxPx {
			options.Width = maxPx
		}
	} else if height > maxPx {
		options.Height = maxPx
	}

	out, err := img.Process(options)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("encode jpeg: empty output")
	}
	return out, nil
}

// ImageStats tallies one image payload build.
type ImageStats struct {
	WithImageRef     int
	WithoutImageRef  int
	SourceAttempted  int
	SourceCompressed int
	SourceFailed     int
	UniqueChunks     int
}

type encodedImage struct {
	chunk []byte
	sha   string
}

type imageRef struct {
	offset int
	length int
	sha    string
}

// buildImagePayload re-encodes every resolved local image, deduplicates
// chunks by the sha256 of the JPEG bytes, and rewrites each entry's local
// reference into an offset/length pair into the returned payload. Entries
// whose image fails to encode ship without one; a codec self-check failure
// aborts the export.
func (e *Exporter) buildImagePayload(entries []*Entry, keySeed string, maxPx, quality int) ([]byte, ImageStats, error) {
	var payload []byte
	var stats ImageStats
	byPath := make(map[string]encodedImage)
	bySHA := make(map[string]imageRef)

	for _, entry := range entries {
		abs, rel := entry.imageLocalAbs, entry.imageLocalRel
		entry.imageLocalAbs, entry.imageLocalRel = "", ""
		if abs == "" {
			stats.WithoutImageRef++
			continue
		}
		stats.SourceAttempted++

		enc, cached := byPath[abs]
		if !cached {
			jpeg, err := e.encodeImage(abs, maxPx, quality)
			if err != nil || len(jpeg) == 0 {
				e.logger.Debug().Err(err).Str("image", abs).Msg("[export] image re-encode failed")
				stats.SourceFailed++
				stats.WithoutImageRef++
				continue
			}
			chunk, sha, err := encodeChunk(jpeg, keySeed)
			if err != nil {
				return nil, stats, err
			}
			enc = encodedImage{chunk: chunk, sha: sha}
			byPath[abs] = enc
			stats.SourceCompressed++
		}

		ref, ok := bySHA[enc.sha]
		if !ok {
			ref = imageRef{offset: len(payload), length: len(enc.chunk), sha: enc.sha}
			payload = append(payload, enc.chunk...)
			bySHA[enc.sha] = ref
			stats.UniqueChunks++
			metrics.ExportChunks.WithLabelValues("image").Inc()
		}

		offset := ref.offset
		entry.ImagePayloadOffset = &offset
		entry.ImagePayloadLength = ref.length
		entry.ImagePayloadSHA256 = ref.sha
		entry.ImageLocalPath = rel
		stats.WithImageRef++
	}
	return payload, stats, nil
}
