package events

import (
	"encoding/csv"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
)

// AliasMap rewrites raw normalized names to canonical normalized names.
type AliasMap map[string]string

// LoadAliasMap reads an alias CSV. A header row containing both alias_name
// and canonical_name is skipped; headerless two-column files work too. Both
// sides of every pair are normalized the same way event names are. A missing
// file yields an empty map.
func LoadAliasMap(path string) (AliasMap, error) {
	if path == "" {
		return AliasMap{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return AliasMap{}, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	aliases := AliasMap{}
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			joined := strings.ToLower(strings.Join(rec, ","))
			if strings.Contains(joined, "alias_name") && strings.Contains(joined, "canonical_name") {
				continue
			}
		}
		if len(rec) < 2 {
			continue
		}
		alias := NormalizeRawName(rec[0])
		canonical := NormalizeRawName(rec[1])
		if alias == "" || canonical == "" {
			continue
		}
		aliases[alias] = canonical
	}
	return aliases, nil
}
