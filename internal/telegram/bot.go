package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/deepr/internal/config"
	"github.com/mtzanidakis/deepr/internal/coordinator"
	"github.com/mtzanidakis/deepr/internal/research"
	"github.com/mtzanidakis/deepr/internal/store"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

const helpText = `🔬 Send me any topic and I'll research it.

I plan a handful of searches, run them in parallel, and write a short report from what I find. You'll see progress live in a single message.

/help shows this message.`

// Runner executes research runs synchronously and reports settled ones.
type Runner interface {
	Run(ctx context.Context, topic string, opts coordinator.RunOptions, onSnapshot func(research.Snapshot)) (*store.ResearchRun, error)
	OnFinish(fn coordinator.FinishListener)
}

type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	runner  Runner
	cfg     config.TelegramConfig
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	allowMu   sync.RWMutex
	allowFrom []int64
}

func NewBot(cfg config.TelegramConfig, runner Runner) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	b := &Bot{
		bot:       bot,
		runner:    runner,
		cfg:       cfg,
		allowFrom: slices.Clone(cfg.AllowFrom),
	}

	// Deliver scheduled reports to the main chat.
	runner.OnFinish(func(run store.ResearchRun) {
		if run.Source != coordinator.SourceSchedule {
			return
		}
		chatID := b.mainChatID()
		if chatID == 0 {
			return
		}
		if err := b.SendReport(context.Background(), chatID, scheduledReport(run)); err != nil {
			slog.Error("failed to send scheduled report", "chat", chatID, "run", run.ID, "error", err)
		}
	})

	return b, nil
}

// SetAllowFrom replaces the allow-list. An empty list allows everyone.
func (b *Bot) SetAllowFrom(ids []int64) {
	b.allowMu.Lock()
	b.allowFrom = slices.Clone(ids)
	b.allowMu.Unlock()
}

func (b *Bot) isAllowed(userID int64) bool {
	b.allowMu.RLock()
	defer b.allowMu.RUnlock()
	return len(b.allowFrom) == 0 || slices.Contains(b.allowFrom, userID)
}

// mainChatID is the first allowed user; their private chat receives
// scheduled reports.
func (b *Bot) mainChatID() int64 {
	b.allowMu.RLock()
	defer b.allowMu.RUnlock()
	if len(b.allowFrom) == 0 {
		return 0
	}
	return b.allowFrom[0]
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	b.wg.Wait()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID

	if !b.isAllowed(userID) {
		slog.Warn("unauthorized telegram user", "user_id", userID, "chat_id", chatID)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}

	if cmd, ok := parseCommand(text); ok {
		switch cmd {
		case "start", "help":
			_ = b.SendMessage(ctx, chatID, helpText)
		default:
			_ = b.SendMessage(ctx, chatID, "Unknown command. Send a topic to research, or /help.")
		}
		return
	}

	// Research takes a while; don't hold up the update loop.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.research(ctx, chatID, text)
	}()
}

func (b *Bot) research(ctx context.Context, chatID int64, topic string) {
	status, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), "🧠 PLANNING\n\nAnalyzing: "+topic))
	if err != nil {
		slog.Error("failed to send status message", "chat", chatID, "error", err)
		return
	}

	thr := newThrottle(b.cfg.EditEvery)
	var last string
	edit := func(text string) {
		if text == last {
			return
		}
		last = text
		if err := b.editMessage(ctx, chatID, status.MessageID, text); err != nil {
			slog.Warn("failed to edit status message", "chat", chatID, "error", err)
		}
	}

	var final research.Snapshot
	run, err := b.runner.Run(ctx, topic, coordinator.RunOptions{Source: coordinator.SourceTelegram}, func(snap research.Snapshot) {
		final = snap
		if snap.Stage.Terminal() {
			thr.Flush()
			edit(formatStatus(snap))
			return
		}
		if text, ok := thr.Offer(formatStatus(snap), time.Now()); ok {
			edit(text)
		}
	})
	if err != nil {
		slog.Error("telegram research failed", "chat", chatID, "error", err)
		edit("❌ ERROR\n\n" + err.Error())
		return
	}

	if final.FinalReport != "" {
		if err := b.SendReport(ctx, chatID, final.FinalReport); err != nil {
			slog.Error("failed to send report", "chat", chatID, "run", run.ID, "error", err)
		}
	}
}

func (b *Bot) editMessage(ctx context.Context, chatID int64, messageID int, text string) error {
	_, err := b.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
	})
	return err
}

// SendReport sends a markdown report, falling back to plain text when
// Telegram rejects the formatting.
func (b *Bot) SendReport(ctx context.Context, chatID int64, report string) error {
	for _, chunk := range chunkMessage(toTelegramMarkdown(report), 4096) {
		msg := tu.Message(tu.ID(chatID), chunk).WithParseMode(telego.ModeMarkdown)
		if _, err := b.bot.SendMessage(ctx, msg); err != nil {
			slog.Debug("markdown send failed, retrying as plain text", "error", err)
			if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
				return fmt.Errorf("send report: %w", err)
			}
		}
	}
	return nil
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	chunks := chunkMessage(text, 4096)
	for _, chunk := range chunks {
		msg := tu.Message(tu.ID(chatID), chunk)
		_, err := b.bot.SendMessage(ctx, msg)
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// parseCommand returns the command name of a "/cmd" or "/cmd@bot" message.
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := strings.Fields(text)[0][1:]
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd), true
}

// formatStatus renders a snapshot as plain text for the status message.
func formatStatus(s research.Snapshot) string {
	var sb strings.Builder
	sb.WriteString(s.Title)
	if s.Subtitle != "" {
		sb.WriteString("\n\n")
		sb.WriteString(s.Subtitle)
	}
	if len(s.Details) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(strings.Join(s.Details, "\n"))
	}
	return sb.String()
}

func scheduledReport(run store.ResearchRun) string {
	header := fmt.Sprintf("📅 Scheduled research: %s\n\n", run.Topic)
	switch run.Status {
	case store.RunCompleted:
		return header + run.Report
	case store.RunNoData:
		return header + "❌ No data found this time."
	default:
		return header + "❌ Run " + run.Status + ": " + run.Error
	}
}
