package events

import (
	"reflect"
	"testing"
)

func TestIsMissingLike(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"", true},
		{"  ", true},
		{"-", true},
		{"---", true},
		{"N/A", true},
		{"None", true},
		{"nan", true},
		{"未定", true},
		{"非公表", true},
		{"約1万発", false},
		{"浅草寺", false},
	}
	for _, tt := range tests {
		if got := IsMissingLike(tt.input); got != tt.expected {
			t.Errorf("IsMissingLike(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestFieldIncompleteReason(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		value    string
		expected string
	}{
		{"missing token", "venue_name", "不明", "missing"},
		{"uncertain hint", "event_date_start", "7月下旬予定", "uncertain"},
		{"around hour", "event_time_start", "19時頃", "uncertain"},
		{"launch count without digits", "launch_count", "多数", "missing_numeric"},
		{"launch count ok", "launch_count", "約20000発", ""},
		{"time without pattern", "event_time_start", "夜", "unparsed_time"},
		{"clock time ok", "event_time_start", "19:30", ""},
		{"jp hour ok", "event_time_start", "19時から", ""},
		{"plain value ok", "venue_address", "東京都墨田区向島1丁目", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FieldIncompleteReason(tt.field, tt.value); got != tt.expected {
				t.Errorf("FieldIncompleteReason(%q, %q) = %q, want %q", tt.field, tt.value, got, tt.expected)
			}
		})
	}
}

func TestComputeIncompleteTags(t *testing.T) {
	tests := []struct {
		name       string
		record     Record
		wantFields []string
		wantPrio   string
	}{
		{
			name: "complete row",
			record: Record{
				"launch_count":     "約10000発",
				"event_time_start": "19:30",
				"event_date_start": "2025-07-26",
				"venue_name":       "隅田川",
				"venue_address":    "東京都墨田区",
			},
			wantFields: nil,
			wantPrio:   "none",
		},
		{
			name: "missing launch count is high priority",
			record: Record{
				"launch_count":     "未定",
				"event_time_start": "19:00",
				"event_date_start": "2025-08-02",
				"venue_name":       "信濃川河川敷",
				"venue_address":    "新潟県長岡市",
			},
			wantFields: []string{"launch_count:missing"},
			wantPrio:   "high",
		},
		{
			name: "missing date is medium priority",
			record: Record{
				"launch_count":     "3000発",
				"event_time_start": "18時",
				"venue_name":       "会場",
				"venue_address":    "京都府",
			},
			wantFields: []string{"event_date_start:missing"},
			wantPrio:   "medium",
		},
		{
			name: "address only is low priority",
			record: Record{
				"launch_count":     "3000発",
				"event_time_start": "18:00",
				"event_date_start": "2025-08-10",
				"venue_name":       "河川敷",
			},
			wantFields: []string{"venue_address:missing"},
			wantPrio:   "low",
		},
		{
			name: "multiple reasons in check order",
			record: Record{
				"launch_count":     "多数",
				"event_time_start": "夜",
				"venue_name":       "調査中",
			},
			wantFields: []string{
				"launch_count:missing_numeric",
				"event_time_start:unparsed_time",
				"event_date_start:missing",
				"venue_name:missing",
				"venue_address:missing",
			},
			wantPrio: "high",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeIncompleteTags(tt.record, HanabiIncompleteCheckFields)
			if !reflect.DeepEqual(got.Fields, tt.wantFields) {
				t.Errorf("Fields = %v, want %v", got.Fields, tt.wantFields)
			}
			if got.Priority != tt.wantPrio {
				t.Errorf("Priority = %q, want %q", got.Priority, tt.wantPrio)
			}
			if got.Incomplete() != (len(tt.wantFields) > 0) {
				t.Errorf("Incomplete() = %v, want %v", got.Incomplete(), len(tt.wantFields) > 0)
			}
		})
	}
}

func TestPickPrimarySource(t *testing.T) {
	w := DefaultHanabiSiteWeights

	t.Run("url bonus flips low weight ahead", func(t *testing.T) {
		members := []Record{
			{"source_site": "jalan"},
			{"source_site": "hanabeam", "source_url": "https://hanabeam.example/e/1"},
		}
		site, url := PickPrimarySource(members, w)
		if site != "hanabeam" || url == "" {
			t.Errorf("PickPrimarySource = %q/%q, want hanabeam with url", site, url)
		}
	})

	t.Run("weight dominates among url holders", func(t *testing.T) {
		members := []Record{
			{"source_site": "hanabeam", "source_url": "https://hanabeam.example/e/1"},
			{"source_site": "hanabi_cloud", "source_url": "https://cloud.example/e/1"},
		}
		site, _ := PickPrimarySource(members, w)
		if site != "hanabi_cloud" {
			t.Errorf("site = %q, want hanabi_cloud", site)
		}
	})

	t.Run("tie keeps first", func(t *testing.T) {
		members := []Record{
			{"source_site": "sorahanabi", "source_url": "https://a.example"},
			{"source_site": "weathernews", "source_url": "https://b.example"},
		}
		site, _ := PickPrimarySource(members, w)
		if site != "sorahanabi" {
			t.Errorf("site = %q, want first of equal-weight members", site)
		}
	})
}

func TestInferRefreshMethod(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"", "site_list_recrawl"},
		{"https://example.com/event/123", "detail_url_refetch"},
		{"https://example.com/spot/9", "detail_url_refetch"},
		{"https://example.com/hanabi/oomagari", "detail_url_refetch"},
		{"https://example.com/list?page=2", "list_page_recrawl"},
		{"https://example.com/calendar/2025-07", "list_page_recrawl"},
		{"https://example.com/dayevent/20250726", "list_page_recrawl"},
		{"https://example.com/p/abc", "detail_url_refetch"},
	}
	for _, tt := range tests {
		if got := InferRefreshMethod(tt.url); got != tt.expected {
			t.Errorf("InferRefreshMethod(%q) = %q, want %q", tt.url, got, tt.expected)
		}
	}
}
