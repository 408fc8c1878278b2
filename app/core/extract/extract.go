// Package extract pulls candidate task fields and staff requests out of free
// text. It is deliberately shallow: regex and keyword heuristics, no language
// model in the loop.
package extract

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	phoneRe = regexp.MustCompile(`(\+?\d[\d\-\s]{7,}\d)`)
	spaceRe = regexp.MustCompile(`\s+`)

	// "2025-12-31 10:00-18:00" and the ~ variant
	leaveRangeRe = regexp.MustCompile(`(20\d{2}-\d{1,2}-\d{1,2})\s*(\d{1,2}:\d{2})\s*[-~]\s*(\d{1,2}:\d{2})`)
)

var addressKeywords = []string{"address", "addr:", "deliver to", "pickup at", "located at"}

var leaveKeywords = []string{"leave", "day off", "sick", "vacation"}

const (
	maxTitleRunes = 18
	maxNotesBytes = 500
	maxAddrBytes  = 80
)

type Fields struct {
	Title        string
	Address      string
	ContactPhone string
	Notes        string
}

type LeaveRequest struct {
	Content   string
	StartTime time.Time
	EndTime   time.Time
}

// TaskFields derives task fields from a customer message. The fallback phone
// (usually the sender's) is used when the text carries no number of its own.
func TaskFields(text, fallbackPhone string) Fields {
	t := strings.TrimSpace(text)

	phone := fallbackPhone
	if m := phoneRe.FindString(t); m != "" {
		phone = spaceRe.ReplaceAllString(m, "")
	}

	address := ""
	lower := strings.ToLower(t)
	for _, kw := range addressKeywords {
		idx := strings.Index(lower, kw)
		if idx < 0 {
			continue
		}
		address = clampBytes(t[idx:], maxAddrBytes)
		break
	}

	title := t
	if utf8.RuneCountInString(title) > maxTitleRunes {
		runes := []rune(title)
		title = string(runes[:maxTitleRunes]) + "…"
	}
	if title == "" {
		title = "New task"
	}

	return Fields{
		Title:        title,
		Address:      address,
		ContactPhone: phone,
		Notes:        clampBytes(t, maxNotesBytes),
	}
}

// LeaveRequestFrom detects a staff leave request in a message. The time range
// is optional; an unparsable range leaves both times zero rather than failing
// the detection.
func LeaveRequestFrom(text string) (LeaveRequest, bool) {
	t := strings.TrimSpace(text)
	if t == "" {
		return LeaveRequest{}, false
	}
	lower := strings.ToLower(t)
	matched := false
	for _, kw := range leaveKeywords {
		if strings.Contains(lower, kw) {
			matched = true
			break
		}
	}
	if !matched {
		return LeaveRequest{}, false
	}

	req := LeaveRequest{Content: clampBytes(t, maxNotesBytes)}
	if m := leaveRangeRe.FindStringSubmatch(t); m != nil {
		day, from, to := m[1], m[2], m[3]
		start, err1 := time.ParseInLocation("2006-1-2 15:04", day+" "+from, time.Local)
		end, err2 := time.ParseInLocation("2006-1-2 15:04", day+" "+to, time.Local)
		if err1 == nil && err2 == nil {
			req.StartTime = start
			req.EndTime = end
		}
	}
	return req, true
}

// clampBytes truncates without splitting a multibyte rune.
func clampBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
