package research

import (
	"strings"
	"unicode/utf8"
)

const (
	PreviewLen     = 80
	maxPreviews    = 5
	errorDetailLen = 100
)

// Aggregate is the ordered view of a settled session.
type Aggregate struct {
	Summaries []string
	// Indices holds the task index of each entry in Summaries.
	Indices   []int
	Previews  []string
	Succeeded int
	Total     int
}

// Collect builds the aggregate for a session. Summaries follow ascending task
// index regardless of the order workers finished in.
func Collect(s *Session) Aggregate {
	agg := Aggregate{Total: s.Total()}
	for _, o := range s.Outcomes() {
		if o.Status != TaskSucceeded {
			continue
		}
		agg.Summaries = append(agg.Summaries, o.Summary)
		agg.Indices = append(agg.Indices, o.Index)
		agg.Previews = append(agg.Previews, Preview(o.Summary, PreviewLen))
	}
	agg.Succeeded = len(agg.Summaries)
	return agg
}

// ResearchChars is the total length of all summaries in characters.
func (a Aggregate) ResearchChars() int {
	n := 0
	for _, s := range a.Summaries {
		n += utf8.RuneCountInString(s)
	}
	return n
}

// Preview flattens newlines and cuts s to n runes followed by an ellipsis.
func Preview(s string, n int) string {
	return strings.ReplaceAll(truncateRunes(s, n), "\n", " ") + "..."
}

// Truncate cuts s to n runes without decoration.
func Truncate(s string, n int) string {
	return truncateRunes(s, n)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
