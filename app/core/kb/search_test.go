package kb

import (
	"strings"
	"testing"
	"time"
)

func entryAt(title, content string, enabled bool, updated time.Time) Entry {
	return Entry{Title: title, Content: content, Enabled: enabled, UpdatedTime: updated}
}

func TestPickContextScoresByKeywordHits(t *testing.T) {
	now := time.Now()
	entries := []Entry{
		entryAt("Pricing", "Call-out fee is 50 for boiler repair.", true, now),
		entryAt("Warranty", "90 days on parts.", true, now),
		entryAt("Boiler guide", "Boiler repair takes about an hour.", true, now),
	}

	items := PickContext("my boiler needs repair", entries, 2)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	// Both "boiler" and "repair" hit the guide; it outranks pricing.
	if !strings.Contains(items[0].Content, "Boiler guide") {
		t.Fatalf("unexpected top item: %q", items[0].Content)
	}
	for _, item := range items {
		if item.Role != "system" {
			t.Fatalf("unexpected role: %s", item.Role)
		}
		if !strings.HasPrefix(item.Content, "Knowledge base: ") {
			t.Fatalf("missing prefix: %q", item.Content)
		}
	}
}

func TestPickContextSkipsDisabledEntries(t *testing.T) {
	entries := []Entry{
		entryAt("Pricing", "boiler repair pricing", false, time.Now()),
	}
	if items := PickContext("boiler repair", entries, 4); len(items) != 0 {
		t.Fatalf("expected disabled entry skipped, got %d items", len(items))
	}
}

func TestPickContextNoKeywords(t *testing.T) {
	entries := []Entry{
		entryAt("Pricing", "anything", true, time.Now()),
	}
	if items := PickContext("a b c", entries, 4); items != nil {
		t.Fatalf("expected nil for text without keywords, got %d items", len(items))
	}
}

func TestPickContextTiesBreakOnRecency(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	fresh := time.Now()
	entries := []Entry{
		entryAt("Old note", "boiler info", true, old),
		entryAt("New note", "boiler info", true, fresh),
	}
	items := PickContext("boiler", entries, 1)
	if len(items) != 1 || !strings.Contains(items[0].Content, "New note") {
		t.Fatalf("expected newest entry to win the tie: %+v", items)
	}
}
