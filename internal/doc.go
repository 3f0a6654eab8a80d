// Package internal holds the Tsugie pipeline internals.
//
// The internal tree is organized by stage and shared concern:
// - fuse, enrich, scores, export, geoqa: the pipeline stages
// - domain/events: record bags, name normalization, keys, voting
// - geocoding: the cached, rate-limited geocoder collaborator
// - polish: trilingual text backends (remote API, codex subprocess)
// - match, runs, config, metrics, sanitize: shared infrastructure
//
// Code in internal/ is not meant for external import.
package internal
