package research

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	queryLabelLen = 35
	barWidth      = 10
)

// EmptyTopicStatus is shown instead of running the pipeline for a blank topic.
const EmptyTopicStatus = "**Enter a topic above**"

func planningSnapshot(topic string) Snapshot {
	return Snapshot{
		Stage:    StagePlanning,
		Title:    "🧠 PLANNING",
		Subtitle: "Analyzing your topic...",
		Details: []string{
			fmt.Sprintf("📌 Topic: **%s**", topic),
			"🔄 Generating search strategy...",
		},
	}
}

func strategySnapshot(tasks []Task) Snapshot {
	details := make([]string, len(tasks))
	for i, t := range tasks {
		details[i] = fmt.Sprintf("**%d.** %s", t.Index, t.Query)
	}
	return Snapshot{
		Stage:    StageStrategy,
		Title:    "✅ STRATEGY READY",
		Subtitle: fmt.Sprintf("%d searches planned", len(tasks)),
		Details:  details,
	}
}

func progressSnapshot(s *Session) Snapshot {
	total := s.Total()
	completed := s.Completed()

	details := make([]string, len(s.Tasks))
	for i, t := range s.Tasks {
		details[i] = fmt.Sprintf("**%d.** %s... %s", t.Index, truncateRunes(t.Query, queryLabelLen), statusLabel(s, t.Index))
	}

	pct := 0
	if total > 0 {
		pct = completed * 100 / total
	}
	filled := pct / 10
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	return Snapshot{
		Stage:    StageSearching,
		Title:    fmt.Sprintf("🔍 SEARCHING [%d/%d]", completed, total),
		Subtitle: fmt.Sprintf("`[%s]` %d%%", bar, pct),
		Details:  details,
	}
}

func statusLabel(s *Session, index int) string {
	switch s.Status(index) {
	case TaskRunning:
		return "🔍 Searching..."
	case TaskSucceeded:
		o, _ := s.Outcome(index)
		return fmt.Sprintf("✅ %d sources", len(o.RawItems))
	case TaskEmpty:
		return "⚠️ No results"
	case TaskFailed:
		return "❌ Failed"
	default:
		return "⏳ Waiting..."
	}
}

func searchCompleteSnapshot(agg Aggregate) Snapshot {
	previews := make([]string, 0, maxPreviews)
	for i, p := range agg.Previews {
		if i == maxPreviews {
			break
		}
		previews = append(previews, fmt.Sprintf("**%d.** %s", agg.Indices[i], p))
	}
	return Snapshot{
		Stage:    StageSearchComplete,
		Title:    "✅ SEARCH COMPLETE",
		Subtitle: fmt.Sprintf("%d/%d successful", agg.Succeeded, agg.Total),
		Details:  previews,
	}
}

func writingSnapshot(agg Aggregate) Snapshot {
	return Snapshot{
		Stage:    StageWriting,
		Title:    "✍️ WRITING REPORT",
		Subtitle: fmt.Sprintf("Synthesizing %d sources...", agg.Succeeded),
		Details: []string{
			fmt.Sprintf("📊 Total research: %s chars", formatThousands(agg.ResearchChars())),
			"🤖 AI crafting your 3-paragraph report...",
			"⏱️ ~15-30 seconds...",
		},
	}
}

func errorSnapshot(title string, err error) Snapshot {
	return Snapshot{
		Stage:    StageError,
		Title:    title,
		Subtitle: Truncate(err.Error(), errorDetailLen),
	}
}

func cancelledSnapshot(err error) Snapshot {
	if err == nil {
		err = fmt.Errorf("run cancelled")
	}
	return errorSnapshot("❌ CANCELLED", err)
}

// Render turns a snapshot into the markdown status block and the report text
// shown next to it. The report is empty until the terminal snapshot.
func Render(s Snapshot) (status, report string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", s.Title)
	if s.Subtitle != "" {
		fmt.Fprintf(&sb, "%s\n\n", s.Subtitle)
	}
	if len(s.Details) > 0 {
		sb.WriteString("---\n\n")
		for _, d := range s.Details {
			fmt.Fprintf(&sb, "%s\n\n", d)
		}
	}
	return strings.TrimSpace(sb.String()), strings.TrimSpace(s.FinalReport)
}

func formatThousands(n int) string {
	s := strconv.Itoa(n)
	if n < 0 {
		return "-" + formatThousands(-n)
	}
	if len(s) <= 3 {
		return s
	}
	var sb strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		sb.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}
