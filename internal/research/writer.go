package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// Summaries at or under this length are dropped before synthesis.
	minSummaryLen = 30
	// Below this much research text no generation call is made.
	minResearchLen = 100

	dedupeKeyLen    = 50
	researchDivider = "\n\n---\n\n"
)

const writerSystemPrompt = `You are a brilliant journalist writing for Wired or The Atlantic.

You have research organized into HOOK (surprising facts), KEY FACTS (specifics), and INSIGHTS (meaning).

Write EXACTLY 3 paragraphs:

**PARAGRAPH 1 - THE HOOK (4-5 sentences)**
Open with the most surprising statistic or claim from your research. Make it punchy. Then quickly set up what this topic is about and why it matters right now.

**PARAGRAPH 2 - THE SUBSTANCE (5-6 sentences)**
The meat. Weave together the best facts from your research. Use specific numbers, real examples, expert names. Show you've done your homework. Make connections.

**PARAGRAPH 3 - THE TAKEAWAY (3-4 sentences)**
Land it. What does this all add up to? Give the reader an insight they can walk away with. End strong.

RULES:
- Exactly 3 paragraphs
- Every sentence must be different - NO repetition
- Use the specific facts from your research
- Write with confidence and style
- Make it something people would share

Write now:`

// Writer synthesizes the final report from ordered summaries.
type Writer struct {
	gen Generator
}

func NewWriter(gen Generator) *Writer {
	return &Writer{gen: gen}
}

func (w *Writer) Write(ctx context.Context, topic string, summaries []string) (Report, error) {
	slog.Info("writing report", "topic", topic, "sources", len(summaries))

	research := joinResearch(summaries)
	if utf8.RuneCountInString(research) < minResearchLen {
		return Report{
			Title: topic,
			Body:  fmt.Sprintf("# %s\n\nInsufficient research data.", topic),
		}, nil
	}

	text, err := w.gen.Generate(ctx, writePrompt(topic, research), writerSystemPrompt, false)
	if err != nil {
		return Report{}, fmt.Errorf("generate report: %w", err)
	}

	title := TitleCase(topic)
	body := fmt.Sprintf("# %s\n\n%s", title, Dedupe(text))
	slog.Info("report written", "topic", topic, "chars", len(body))
	return Report{Title: title, Body: body}, nil
}

func joinResearch(summaries []string) string {
	kept := make([]string, 0, len(summaries))
	for _, s := range summaries {
		if utf8.RuneCountInString(s) > minSummaryLen {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, researchDivider)
}

func writePrompt(topic, research string) string {
	return fmt.Sprintf(`TOPIC: %s

YOUR RESEARCH:
%s

Using the HOOKS, FACTS, and INSIGHTS above, write 3 powerful paragraphs.`, topic, research)
}

// Dedupe drops lines whose case-insensitive 50-character prefix was already
// seen and collapses runs of blank lines into one.
func Dedupe(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	seen := make(map[string]struct{}, len(lines))
	clean := make([]string, 0, len(lines))

	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			if len(clean) > 0 && clean[len(clean)-1] != "" {
				clean = append(clean, "")
			}
			continue
		}
		key := truncateRunes(strings.ToLower(stripped), dedupeKeyLen)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		clean = append(clean, line)
	}

	return strings.TrimSpace(strings.Join(clean, "\n"))
}

// TitleCase upper-cases the first letter of every word and lower-cases the
// rest.
func TitleCase(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				sb.WriteRune(unicode.ToLower(r))
			} else {
				sb.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		prevLetter = false
		sb.WriteRune(r)
	}
	return sb.String()
}
