package kb

import (
	"regexp"
	"sort"
	"strings"
)

// Latin words of 3+ chars or CJK runs of 2+.
var keywordRe = regexp.MustCompile(`[A-Za-z0-9]{3,}|[\x{4e00}-\x{9fff}]{2,}`)

const (
	maxKeywords       = 8
	defaultMaxContext = 4
)

// ContextItem is a system-role snippet handed to the LLM responder.
type ContextItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PickContext scores enabled entries by keyword hits against the user's text
// and returns the best few as system messages. Entries with no hits are left
// out entirely; an empty result means the responder gets no KB context.
func PickContext(userText string, entries []Entry, maxItems int) []ContextItem {
	if maxItems <= 0 {
		maxItems = defaultMaxContext
	}
	keywords := extractKeywords(userText)
	if len(keywords) == 0 {
		return nil
	}

	type scored struct {
		score int
		entry Entry
	}
	hits := make([]scored, 0)
	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		hay := strings.ToLower(entry.Title + "\n" + entry.Content + "\n" + entry.Tags)
		score := 0
		for _, kw := range keywords {
			if strings.Contains(hay, strings.ToLower(kw)) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{score: score, entry: entry})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].entry.UpdatedTime.After(hits[j].entry.UpdatedTime)
	})

	out := make([]ContextItem, 0, maxItems)
	for _, h := range hits {
		if len(out) >= maxItems {
			break
		}
		out = append(out, ContextItem{
			Role:    "system",
			Content: strings.TrimSpace("Knowledge base: " + h.entry.Title + "\n" + h.entry.Content),
		})
	}
	return out
}

func extractKeywords(text string) []string {
	parts := keywordRe.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, maxKeywords)
	for _, p := range parts {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
		if len(out) >= maxKeywords {
			break
		}
	}
	return out
}
