package export

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// DefaultKeySeed must match the seed compiled into the mobile decoder.
const DefaultKeySeed = "tsugie-ios-seed-v1"

// Obfuscate XORs data with a sha256(keySeed) key stream plus a positional
// mix byte. Applying it twice restores the input.
func Obfuscate(data []byte, keySeed string) []byte {
	key := sha256.Sum256([]byte(keySeed))
	out := make([]byte, len(data))
	for i, b := range data {
		mix := byte((i*131 + 17) & 0xFF)
		out[i] = b ^ key[i%len(key)] ^ mix
	}
	return out
}

// encodeChunk compresses raw at the maximum deflate level, obfuscates the
// result, and proves the chunk decodes back to raw before it can reach a
// payload file. Returns the chunk and the hex sha256 of raw.
func encodeChunk(raw []byte, keySeed string) ([]byte, string, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, "", fmt.Errorf("init chunk writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, "", fmt.Errorf("compress chunk: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("compress chunk: %w", err)
	}
	chunk := Obfuscate(buf.Bytes(), keySeed)

	decoded, err := decodeChunk(chunk, keySeed)
	if err != nil {
		return nil, "", fmt.Errorf("payload codec self-check failed: %w", err)
	}
	if !bytes.Equal(decoded, raw) {
		return nil, "", errors.New("payload codec self-check failed")
	}
	sum := sha256.Sum256(raw)
	return chunk, hex.EncodeToString(sum[:]), nil
}

// decodeChunk reverses encodeChunk. The mobile client implements the same
// two steps.
func decodeChunk(chunk []byte, keySeed string) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(Obfuscate(chunk, keySeed)))
	if err != nil {
		return nil, fmt.Errorf("open chunk: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk: %w", err)
	}
	return raw, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
