package export

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEncoder fabricates JPEG bytes per path and records how often each
// path is asked for.
type countingEncoder struct {
	data  map[string][]byte
	calls map[string]int
}

func (c *countingEncoder) encode(path string, maxPx, quality int) ([]byte, error) {
	c.calls[path]++
	out, ok := c.data[path]
	if !ok {
		return nil, errors.New("unreadable image")
	}
	return out, nil
}

func newCountingEncoder(data map[string][]byte) *countingEncoder {
	return &countingEncoder{data: data, calls: map[string]int{}}
}

func imageEntry(place, abs, rel string) *Entry {
	return &Entry{IOSPlaceID: place, imageLocalAbs: abs, imageLocalRel: rel}
}

func TestBuildImagePayload(t *testing.T) {
	enc := newCountingEncoder(map[string][]byte{
		"/assets/a.jpg": []byte("jpeg-alpha"),
		"/assets/b.jpg": []byte("jpeg-beta"),
	})
	e := NewExporter(nil, "", WithImageEncoder(enc.encode))

	entries := []*Entry{
		imageEntry("p1", "/assets/a.jpg", "content_assets/r/a.jpg"),
		imageEntry("p2", "/assets/b.jpg", "content_assets/r/b.jpg"),
		imageEntry("p3", "", ""),
		imageEntry("p4", "/assets/broken.jpg", "content_assets/r/broken.jpg"),
	}
	payload, stats, err := e.buildImagePayload(entries, DefaultKeySeed, 1280, 68)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.WithImageRef)
	assert.Equal(t, 2, stats.WithoutImageRef)
	assert.Equal(t, 3, stats.SourceAttempted)
	assert.Equal(t, 2, stats.SourceCompressed)
	assert.Equal(t, 1, stats.SourceFailed)
	assert.Equal(t, 2, stats.UniqueChunks)

	first, second := entries[0], entries[1]
	require.NotNil(t, first.ImagePayloadOffset)
	require.NotNil(t, second.ImagePayloadOffset)
	assert.Equal(t, 0, *first.ImagePayloadOffset)
	assert.Equal(t, first.ImagePayloadLength, *second.ImagePayloadOffset,
		"second chunk starts where the first ends")
	assert.Equal(t, first.ImagePayloadLength+second.ImagePayloadLength, len(payload))
	assert.Equal(t, "content_assets/r/a.jpg", first.ImageLocalPath)

	decoded, err := decodeChunk(payload[*first.ImagePayloadOffset:first.ImagePayloadLength], DefaultKeySeed)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-alpha"), decoded)
	decoded, err = decodeChunk(payload[*second.ImagePayloadOffset:], DefaultKeySeed)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-beta"), decoded)
	assert.Equal(t, sha256Hex([]byte("jpeg-alpha")), first.ImagePayloadSHA256)

	// Failed and imageless entries carry no reference.
	assert.Nil(t, entries[2].ImagePayloadOffset)
	assert.Nil(t, entries[3].ImagePayloadOffset)
	assert.Empty(t, entries[3].ImageLocalPath)

	// Local path staging fields are consumed by the build.
	for _, entry := range entries {
		assert.Empty(t, entry.imageLocalAbs)
		assert.Empty(t, entry.imageLocalRel)
	}
}

func TestBuildImagePayloadDedupesBySHA(t *testing.T) {
	enc := newCountingEncoder(map[string][]byte{
		"/assets/a.jpg":    []byte("same-bytes"),
		"/assets/copy.jpg": []byte("same-bytes"),
	})
	e := NewExporter(nil, "", WithImageEncoder(enc.encode))

	entries := []*Entry{
		imageEntry("p1", "/assets/a.jpg", "a.jpg"),
		imageEntry("p2", "/assets/copy.jpg", "copy.jpg"),
		imageEntry("p3", "/assets/a.jpg", "a.jpg"),
	}
	payload, stats, err := e.buildImagePayload(entries, DefaultKeySeed, 1280, 68)
	require.NoError(t, err)

	// Two distinct paths encode, one chunk lands in the payload, and the
	// repeated path is served from the cache.
	assert.Equal(t, 3, stats.WithImageRef)
	assert.Equal(t, 3, stats.SourceAttempted)
	assert.Equal(t, 2, stats.SourceCompressed)
	assert.Equal(t, 1, stats.UniqueChunks)
	assert.Equal(t, 1, enc.calls["/assets/a.jpg"])
	assert.Equal(t, 1, enc.calls["/assets/copy.jpg"])

	require.NotNil(t, entries[0].ImagePayloadOffset)
	for _, entry := range entries[1:] {
		require.NotNil(t, entry.ImagePayloadOffset)
		assert.Equal(t, *entries[0].ImagePayloadOffset, *entry.ImagePayloadOffset)
		assert.Equal(t, entries[0].ImagePayloadSHA256, entry.ImagePayloadSHA256)
	}
	assert.Equal(t, entries[0].ImagePayloadLength, len(payload))
}

func TestBuildImagePayloadEmpty(t *testing.T) {
	e := NewExporter(nil, "", WithImageEncoder(newCountingEncoder(nil).encode))
	payload, stats, err := e.buildImagePayload([]*Entry{imageEntry("p1", "", "")}, DefaultKeySeed, 1280, 68)
	require.NoError(t, err)
	assert.Empty(t, payload)
	assert.Equal(t, ImageStats{WithoutImageRef: 1}, stats)
}
