// Package match resolves, for a fused event, the best prior-run record
// across three identity keys: canonical id, shared source URLs, and a
// normalized name+date key. Canonical ids are reassigned on every fusion
// run, so every hit, including canonical ones, is verified to still look
// like the same event before it is accepted.
package match

import (
	"os"
	"path/filepath"
	"time"

	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/runs"
)

// Keys identifies one record for cross-run matching.
type Keys struct {
	CanonicalID string
	SourceURLs  []string
	NameDate    string
}

// NameDateKey builds the name+date identity key: the match-normalized
// event name joined with the parsed start date (falling back to the raw
// cleaned text). Empty when the name normalizes away; name-only when the
// record has no date at all.
func NameDateKey(eventName, eventDateStart string) string {
	nameKey := events.NormalizeNameForMatch(eventName)
	if nameKey == "" {
		return ""
	}
	dateKey := events.Clean(eventDateStart)
	if t, ok := events.ParseEventDate(eventDateStart); ok {
		dateKey = t.Format(time.DateOnly)
	}
	if dateKey == "" {
		return nameKey
	}
	return nameKey + "|" + dateKey
}

// SameEvent reports whether two key sets plausibly describe one event:
// they share a source URL, or their name+date keys agree.
func SameEvent(a, b Keys) bool {
	if len(a.SourceURLs) > 0 && len(b.SourceURLs) > 0 {
		set := make(map[string]struct{}, len(a.SourceURLs))
		for _, u := range a.SourceURLs {
			set[u] = struct{}{}
		}
		for _, u := range b.SourceURLs {
			if _, ok := set[u]; ok {
				return true
			}
		}
	}
	return a.NameDate != "" && a.NameDate == b.NameDate
}

type entry[T any] struct {
	rec T
}

// Index holds prior-run records under their identity keys, keeping the
// best-ranked record per key. cmp returns >0 when a outranks b; insertion
// replaces on ties so equal-ranked later files win a slot, while Resolve
// keeps the earlier candidate on ties (canonical before URL before name).
type Index[T any] struct {
	keysOf      func(T) Keys
	cmp         func(a, b T) int
	byCanonical map[string]*entry[T]
	bySourceURL map[string]*entry[T]
	byNameDate  map[string]*entry[T]
	size        int
}

func NewIndex[T any](keysOf func(T) Keys, cmp func(a, b T) int) *Index[T] {
	return &Index[T]{
		keysOf:      keysOf,
		cmp:         cmp,
		byCanonical: make(map[string]*entry[T]),
		bySourceURL: make(map[string]*entry[T]),
		byNameDate:  make(map[string]*entry[T]),
	}
}

// Add indexes one prior record under all of its keys.
func (ix *Index[T]) Add(rec T) {
	e := &entry[T]{rec: rec}
	k := ix.keysOf(rec)
	if k.CanonicalID != "" {
		ix.putIfBetter(ix.byCanonical, k.CanonicalID, e)
	}
	for _, u := range k.SourceURLs {
		if u != "" {
			ix.putIfBetter(ix.bySourceURL, u, e)
		}
	}
	if k.NameDate != "" {
		ix.putIfBetter(ix.byNameDate, k.NameDate, e)
	}
	ix.size++
}

// Len returns how many records were added.
func (ix *Index[T]) Len() int { return ix.size }

func (ix *Index[T]) putIfBetter(bucket map[string]*entry[T], key string, e *entry[T]) {
	existing, ok := bucket[key]
	if !ok || ix.cmp(e.rec, existing.rec) >= 0 {
		bucket[key] = e
	}
}

// Resolve returns the best prior record matching k. Slots are consulted in
// canonical, source-URL, name+date order; a record that won several slots
// is considered once.
func (ix *Index[T]) Resolve(k Keys) (T, bool) {
	var candidates []*entry[T]
	seen := make(map[*entry[T]]struct{})

	consider := func(e *entry[T], ok bool) {
		if !ok {
			return
		}
		if _, dup := seen[e]; dup {
			return
		}
		if !SameEvent(k, ix.keysOf(e.rec)) {
			return
		}
		seen[e] = struct{}{}
		candidates = append(candidates, e)
	}

	if k.CanonicalID != "" {
		e, ok := ix.byCanonical[k.CanonicalID]
		consider(e, ok)
	}
	for _, u := range k.SourceURLs {
		e, ok := ix.bySourceURL[u]
		consider(e, ok)
	}
	if k.NameDate != "" {
		e, ok := ix.byNameDate[k.NameDate]
		consider(e, ok)
	}

	if len(candidates) == 0 {
		var zero T
		return zero, false
	}
	best := candidates[0]
	for _, e := range candidates[1:] {
		if ix.cmp(e.rec, best.rec) > 0 {
			best = e
		}
	}
	return best.rec, true
}

// CandidateFiles lists prior-run artifact paths under a stage root in
// preference order: the pointer-named run, the latest mirror, then every
// run directory newest first. Only existing files are returned, each once.
func CandidateFiles(root, pointerRunID, filename string) ([]string, error) {
	var paths []string
	seen := make(map[string]struct{})

	add := func(path string) {
		if _, dup := seen[path]; dup {
			return
		}
		if _, err := os.Stat(path); err != nil {
			return
		}
		seen[path] = struct{}{}
		paths = append(paths, path)
	}

	if pointerRunID != "" {
		add(filepath.Join(root, pointerRunID, filename))
	}
	add(filepath.Join(root, "latest", filename))

	dirs, err := runs.ListRunDirs(root)
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		add(filepath.Join(dir, filename))
	}
	return paths, nil
}
