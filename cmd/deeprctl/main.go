package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/deepr/internal/coordinator"
	"github.com/mtzanidakis/deepr/internal/natsbus"
	"github.com/mtzanidakis/deepr/internal/research"
	"github.com/mtzanidakis/deepr/internal/schedule"
	"github.com/mtzanidakis/deepr/internal/store"
	"github.com/nats-io/nats.go"
)

const requestTimeout = 10 * time.Second

// boolFlags take no value.
var boolFlags = map[string]bool{"follow": true, "report": true}

// parseArgs splits "--key value" pairs and bare words. Flags listed in
// boolFlags are set to "true" without consuming the next argument.
func parseArgs(args []string) (map[string]string, []string) {
	flags := make(map[string]string)
	var words []string
	for i := 0; i < len(args); i++ {
		key, ok := strings.CutPrefix(args[i], "--")
		switch {
		case ok && boolFlags[key]:
			flags[key] = "true"
		case ok && key != "" && i+1 < len(args):
			flags[key] = args[i+1]
			i++
		case ok:
			// dangling flag without a value
		default:
			words = append(words, args[i])
		}
	}
	return flags, words
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  deeprctl submit [--follow] <topic>`)
	fmt.Fprintln(os.Stderr, "  deeprctl list [--limit N]")
	fmt.Fprintln(os.Stderr, `  deeprctl get --id "..." [--report]`)
	fmt.Fprintln(os.Stderr, `  deeprctl follow --id "..."`)
	fmt.Fprintln(os.Stderr, `  deeprctl cancel --id "..."`)
	fmt.Fprintln(os.Stderr, `  deeprctl schedule --schedule "..." --topic "..." [--name "..."]`)
	fmt.Fprintln(os.Stderr, "  deeprctl schedules")
	fmt.Fprintln(os.Stderr, `  deeprctl unschedule --id "..."`)
	fmt.Fprintln(os.Stderr, "\nEnvironment:\n  DEEPR_NATS_URL    gateway bus (default nats://localhost:4222)")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("DEEPR_NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	client, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		fatal("connect to nats: %v", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, client, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, errUnknownCommand) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			usage()
		}
		fatal("%v", err)
	}
}

var errUnknownCommand = errors.New("unknown command")

// run executes one command against the gateway and writes its output to w.
func run(ctx context.Context, client *natsbus.Client, command string, rest []string, w io.Writer) error {
	flags, words := parseArgs(rest)

	switch command {
	case "submit":
		topic := strings.TrimSpace(strings.Join(words, " "))
		if topic == "" {
			topic = flags["topic"]
		}
		if topic == "" {
			return errors.New("a topic is required")
		}
		resp, err := sendIPC(ctx, client, "submit", coordinator.IPCPayload{Topic: topic})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Research submitted: %s\n", resp.Run.ID)
		if flags["follow"] != "" {
			return follow(ctx, client, resp.Run.ID, w)
		}

	case "list":
		limit := 0
		if v := flags["limit"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return fmt.Errorf("invalid --limit %q", v)
			}
			limit = n
		}
		resp, err := sendIPC(ctx, client, "list_runs", coordinator.IPCPayload{Limit: limit})
		if err != nil {
			return err
		}
		printRuns(w, resp.Runs)

	case "get":
		if flags["id"] == "" {
			return errors.New("--id is required")
		}
		resp, err := sendIPC(ctx, client, "get_run", coordinator.IPCPayload{ID: flags["id"]})
		if err != nil {
			return err
		}
		printRun(w, resp.Run, resp.Tasks, flags["report"] != "")

	case "follow":
		if flags["id"] == "" {
			return errors.New("--id is required")
		}
		return follow(ctx, client, flags["id"], w)

	case "cancel":
		if flags["id"] == "" {
			return errors.New("--id is required")
		}
		if _, err := sendIPC(ctx, client, "cancel_run", coordinator.IPCPayload{ID: flags["id"]}); err != nil {
			return err
		}
		fmt.Fprintln(w, "Cancellation requested.")

	case "schedule":
		if flags["schedule"] == "" || flags["topic"] == "" {
			return errors.New("--schedule and --topic are required")
		}
		resp, err := sendIPC(ctx, client, "create_schedule", coordinator.IPCPayload{
			Name:     flags["name"],
			Topic:    flags["topic"],
			Schedule: flags["schedule"],
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Schedule created: %s (%s)\n", resp.Schedule.ID, schedule.Describe(resp.Schedule.Schedule))

	case "schedules":
		resp, err := sendIPC(ctx, client, "list_schedules", coordinator.IPCPayload{})
		if err != nil {
			return err
		}
		printSchedules(w, resp.Schedules)

	case "unschedule":
		if flags["id"] == "" {
			return errors.New("--id is required")
		}
		if _, err := sendIPC(ctx, client, "delete_schedule", coordinator.IPCPayload{ID: flags["id"]}); err != nil {
			return err
		}
		fmt.Fprintln(w, "Schedule deleted.")

	default:
		return fmt.Errorf("%w: %s", errUnknownCommand, command)
	}
	return nil
}

// sendIPC issues a command and turns an error reply into a Go error.
func sendIPC(ctx context.Context, client *natsbus.Client, cmdType string, payload coordinator.IPCPayload) (*coordinator.IPCResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var resp coordinator.IPCResponse
	if err := client.RequestJSON(ctx, natsbus.TopicIPCResearch, coordinator.IPCCommand{Type: cmdType, Payload: raw}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return &resp, nil
}

// follow replays a run's events from the start and prints each snapshot
// until the run finishes or ctx is done.
func follow(ctx context.Context, client *natsbus.Client, id string, w io.Writer) error {
	events := make(chan coordinator.Event, 64)
	done := make(chan struct{})
	defer close(done)

	sub, err := client.Replay(natsbus.TopicEventsResearch(id), func(msg *nats.Msg) {
		ev, err := coordinator.DecodeEvent(msg.Data)
		if err != nil {
			return
		}
		select {
		case events <- ev:
		case <-done:
		}
	})
	if err != nil {
		return fmt.Errorf("follow %s: %w", id, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			switch ev.Type {
			case coordinator.EventSnapshot:
				snap, err := ev.Snapshot()
				if err != nil {
					continue
				}
				printSnapshot(w, snap)
			case coordinator.EventFinished:
				fin, err := ev.Finished()
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "\nRun %s: %s (%d/%d searches succeeded)\n", id, fin.Status, fin.Succeeded, fin.Total)
				return nil
			}
		}
	}
}

func printSnapshot(w io.Writer, snap research.Snapshot) {
	status, report := research.Render(snap)
	fmt.Fprintf(w, "\n%s\n", status)
	if report != "" {
		fmt.Fprintf(w, "\n%s\n", report)
	}
}

func printRuns(w io.Writer, runs []store.ResearchRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No research runs found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSOURCE\tSEARCHES\tSTARTED\tTOPIC")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID, r.Status, r.Source, r.Succeeded, r.Total,
			r.StartedAt.Local().Format("2006-01-02 15:04"), r.Topic)
	}
	tw.Flush()
}

func printRun(w io.Writer, r *store.ResearchRun, tasks []store.RunTask, withReport bool) {
	fmt.Fprintf(w, "ID:       %s\n", r.ID)
	fmt.Fprintf(w, "Topic:    %s\n", r.Topic)
	fmt.Fprintf(w, "Status:   %s (%s)\n", r.Status, r.Stage)
	fmt.Fprintf(w, "Searches: %d/%d succeeded\n", r.Succeeded, r.Total)
	if r.ReportTitle != "" {
		fmt.Fprintf(w, "Title:    %s\n", r.ReportTitle)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", r.Error)
	}
	for _, t := range tasks {
		fmt.Fprintf(w, "  S%d  %-9s  %2d sources  %s\n", t.Index, t.Status, t.Sources, t.Query)
	}
	if withReport && r.Report != "" {
		fmt.Fprintf(w, "\n%s\n", r.Report)
	}
}

func printSchedules(w io.Writer, schedules []store.Schedule) {
	if len(schedules) == 0 {
		fmt.Fprintln(w, "No schedules found.")
		return
	}
	for _, s := range schedules {
		fmt.Fprintf(w, "  %s  %s  %s  [%s]  %s\n", s.ID, s.Status, s.Name, schedule.Describe(s.Schedule), s.Topic)
	}
}
