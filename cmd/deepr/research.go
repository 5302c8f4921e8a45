package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/mtzanidakis/deepr/internal/config"
	"github.com/mtzanidakis/deepr/internal/coordinator"
	"github.com/mtzanidakis/deepr/internal/research"
	"github.com/mtzanidakis/deepr/internal/store"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subtitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	detailStyle   = lipgloss.NewStyle().PaddingLeft(2)
	doneStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	reportStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
	ruleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// researchArgs holds the parsed flags of the research command.
type researchArgs struct {
	topic string
	seed  uint64
	quiet bool
}

func parseResearchArgs(args []string) (researchArgs, error) {
	var ra researchArgs
	var words []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--seed":
			if i+1 >= len(args) {
				return ra, fmt.Errorf("missing value for --seed: %w", errUsage)
			}
			i++
			n, err := strconv.ParseUint(args[i], 10, 64)
			if err != nil {
				return ra, fmt.Errorf("invalid seed %q: %w", args[i], errUsage)
			}
			ra.seed = n
		case "-q", "--quiet":
			ra.quiet = true
		default:
			words = append(words, args[i])
		}
	}
	ra.topic = strings.TrimSpace(strings.Join(words, " "))
	if ra.topic == "" {
		return ra, fmt.Errorf("topic is required: %w", errUsage)
	}
	return ra, nil
}

func runResearch(args []string) error {
	ra, err := parseResearchArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Usage: deepr research [--seed <n>] [-q] <topic>")
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(config.LogConfig{Level: "warn", Format: cfg.Log.Format})
	if ra.seed != 0 {
		cfg.Research.Seed = ra.seed
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	v, err := openVault(cfg)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}
	if err := resolveSecrets(cfg, v, db); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord := coordinator.New(db, nil, coordinator.NewPipeline(cfg), 1)
	defer coord.Close()

	out := os.Stdout
	run, err := coord.Run(ctx, ra.topic, coordinator.RunOptions{Source: coordinator.SourceCLI}, func(snap research.Snapshot) {
		if ra.quiet && !snap.Stage.Terminal() {
			return
		}
		printSnapshot(out, snap)
	})
	if err != nil {
		return err
	}

	switch run.Status {
	case store.RunCompleted, store.RunNoData:
		return nil
	default:
		return fmt.Errorf("research %s: %s", run.Status, run.Error)
	}
}

func printSnapshot(w io.Writer, snap research.Snapshot) {
	fmt.Fprintln(w, renderSnapshot(snap))
	if report := strings.TrimSpace(snap.FinalReport); report != "" {
		fmt.Fprintln(w, reportStyle.Render(report))
	}
}

// renderSnapshot draws the status block of a snapshot for a terminal.
func renderSnapshot(snap research.Snapshot) string {
	title := titleStyle
	switch snap.Stage {
	case research.StageDone:
		title = doneStyle
	case research.StageError, research.StageNoData:
		title = failStyle
	}

	var sb strings.Builder
	sb.WriteString(ruleStyle.Render(strings.Repeat("─", 40)))
	sb.WriteString("\n")
	sb.WriteString(title.Render(snap.Title))
	if snap.Subtitle != "" {
		sb.WriteString("\n")
		sb.WriteString(subtitleStyle.Render(snap.Subtitle))
	}
	for _, d := range snap.Details {
		sb.WriteString("\n")
		sb.WriteString(detailStyle.Render(d))
	}
	return sb.String()
}
