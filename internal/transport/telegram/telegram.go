// Package telegram connects broadcastd to an operator chat: log alerts,
// broadcast summaries and a few read/cancel commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"broadcastd/internal/runtime/supervisor"
	"broadcastd/pkg/logx"
)

const textLimit = 4000

var ErrNoToken = errors.New("telegram token is empty")

type Config struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
	// URL overrides the Bot API endpoint (tests).
	URL string
	// Offline skips the getMe call made when the bot is created.
	Offline bool
}

// CommandFunc answers a command; args is the text after the command word.
type CommandFunc func(ctx context.Context, args string) (string, error)

// Adapter wraps a telebot bot bound to a single operator chat.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu       sync.Mutex
	commands map[string]command
	sup      *supervisor.Supervisor
}

type command struct {
	help string
	fn   CommandFunc
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrNoToken
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return &Adapter{cfg: cfg, log: log, bot: b, commands: map[string]command{}}, nil
}

// Alert implements logx.Alerter.
func (a *Adapter) Alert(ctx context.Context, text string) error {
	return a.SendText(ctx, text)
}

// SendText posts text to the operator chat, split into chunks Telegram accepts.
func (a *Adapter) SendText(ctx context.Context, text string) error {
	chat := &tele.Chat{ID: a.cfg.ChatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ThreadID:              a.cfg.ThreadID,
			DisableWebPagePreview: true,
		})
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// Handle registers /name. Must be called before Start.
func (a *Adapter) Handle(name, help string, fn CommandFunc) {
	name = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "/")
	a.mu.Lock()
	a.commands[name] = command{help: help, fn: fn}
	a.mu.Unlock()
}

// Start begins long polling when at least one command is registered.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil || len(a.commands) == 0 {
		return nil
	}
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		reply, ok := a.run(ctx, m.Chat.ID, m.Text)
		if !ok {
			return nil
		}
		return c.Reply(reply)
	})

	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(false),
	)
	a.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	a.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	// long polls can outlive a short shutdown; don't hold the process for them
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, time.Until(dl))
	}
	wctx, cancel := context.WithTimeout(context.Background(), max(grace, 0))
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// run resolves a chat message to a command reply. Only the operator chat is served.
func (a *Adapter) run(ctx context.Context, chatID int64, text string) (string, bool) {
	if chatID != a.cfg.ChatID {
		return "", false
	}
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name, args, _ := strings.Cut(text[1:], " ")
	// "/status@my_bot" in groups
	name, _, _ = strings.Cut(name, "@")
	name = strings.ToLower(name)

	a.mu.Lock()
	cmd, ok := a.commands[name]
	a.mu.Unlock()
	if !ok {
		return a.help(), true
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	reply, err := cmd.fn(cctx, strings.TrimSpace(args))
	if err != nil {
		return "error: " + err.Error(), true
	}
	return reply, true
}

func (a *Adapter) help() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.commands))
	for n := range a.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("commands:")
	for _, n := range names {
		fmt.Fprintf(&b, "\n/%s %s", n, a.commands[n].help)
	}
	return b.String()
}

// splitText cuts s into chunks of at most limit runes, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
