package scores

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

const (
	maxDescriptionRunes = 2000
	maxOneLinerRunes    = 240
	maxInputSourceURLs  = 3
)

// ModelInput is the event payload sent to the scoring model. Fields are
// declared in sorted json-tag order: the struct marshals with keys already
// sorted, which is what InputHash fingerprints.
type ModelInput struct {
	AccessText         string   `json:"access_text"`
	AdmissionFee       string   `json:"admission_fee"`
	Category           string   `json:"category"`
	City               string   `json:"city"`
	DescriptionJP      string   `json:"description_jp"`
	EventDateEnd       string   `json:"event_date_end"`
	EventDateStart     string   `json:"event_date_start"`
	EventName          string   `json:"event_name"`
	EventTimeEnd       string   `json:"event_time_end"`
	EventTimeStart     string   `json:"event_time_start"`
	ExpectedVisitors   string   `json:"expected_visitors"`
	FestivalType       string   `json:"festival_type"`
	LaunchCount        string   `json:"launch_count"`
	LaunchScale        string   `json:"launch_scale"`
	OneLinerJP         string   `json:"one_liner_jp"`
	Organizer          string   `json:"organizer"`
	PaidSeat           string   `json:"paid_seat"`
	ParkingText        string   `json:"parking_text"`
	Prefecture         string   `json:"prefecture"`
	SourceURLs         []string `json:"source_urls"`
	TrafficControlText string   `json:"traffic_control_text"`
	VenueAddress       string   `json:"venue_address"`
	VenueName          string   `json:"venue_name"`
}

// buildModelInput assembles the scoring payload from a fused row and its
// best matching content row. The polished description is preferred over
// the raw one; both long texts are truncated so payloads stay bounded.
func buildModelInput(row, content events.Record, category string) ModelInput {
	description := ""
	oneLiner := ""
	if content != nil {
		description = events.CleanBlock(content["polished_description"])
		if description == "" {
			description = events.CleanBlock(content["raw_description"])
		}
		oneLiner = events.CleanBlock(content["one_liner"])
	}

	sourceURLs := events.SplitFlexibleList(row["source_urls"])
	if len(sourceURLs) > maxInputSourceURLs {
		sourceURLs = sourceURLs[:maxInputSourceURLs]
	}
	if sourceURLs == nil {
		sourceURLs = []string{}
	}

	return ModelInput{
		AccessText:         row.Field("access_text"),
		AdmissionFee:       row.Field("admission_fee"),
		Category:           category,
		City:               row.Field("city"),
		DescriptionJP:      truncateRunes(description, maxDescriptionRunes),
		EventDateEnd:       row.Field("event_date_end"),
		EventDateStart:     row.Field("event_date_start"),
		EventName:          row.Field("event_name"),
		EventTimeEnd:       row.Field("event_time_end"),
		EventTimeStart:     row.Field("event_time_start"),
		ExpectedVisitors:   row.Field("expected_visitors"),
		FestivalType:       row.Field("festival_type"),
		LaunchCount:        row.Field("launch_count"),
		LaunchScale:        row.Field("launch_scale"),
		OneLinerJP:         truncateRunes(oneLiner, maxOneLinerRunes),
		Organizer:          row.Field("organizer"),
		PaidSeat:           row.Field("paid_seat"),
		ParkingText:        row.Field("parking_text"),
		Prefecture:         row.Field("prefecture"),
		SourceURLs:         sourceURLs,
		TrafficControlText: row.Field("traffic_control_text"),
		VenueAddress:       row.Field("venue_address"),
		VenueName:          row.Field("venue_name"),
	}
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// canonicalJSON marshals v compactly without HTML escaping, so the same
// payload always produces the same bytes across runs.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode model input: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// inputHash fingerprints the model input; reuse decisions compare it
// against the hash stored on the prior row.
func inputHash(input ModelInput) (string, error) {
	raw, err := canonicalJSON(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
