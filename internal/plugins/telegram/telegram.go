// Package telegram is the bundled Telegram channel plugin, speaking the Bot
// API via long polling. Disabled unless the config enables it.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/epiloop/epiloop/internal/directory"
	"github.com/epiloop/epiloop/internal/plugins"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// Config is the plugin's entry in the gateway config.
type Config struct {
	Token   string `json:"token"`
	Account string `json:"account,omitempty"`
}

// Plugin returns the descriptor registered with the host.
func Plugin() plugins.Descriptor {
	return plugins.Descriptor{
		ID:          "telegram",
		Name:        "Telegram",
		Description: "Telegram Bot API channel (long polling)",
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"token": {"type": "string"},
				"account": {"type": "string"}
			},
			"required": ["token"]
		}`),
		Register: func(api *plugins.API) error {
			var cfg Config
			if err := json.Unmarshal(api.Config, &cfg); err != nil {
				return fmt.Errorf("telegram config: %w", err)
			}
			if cfg.Token == "" {
				return fmt.Errorf("telegram config: token is required")
			}
			ch, err := NewChannel(cfg, api.Inbound, api.Logger)
			if err != nil {
				return err
			}
			api.RegisterChannel(ch)
			api.RegisterService(plugins.Service{
				Name:  "telegram.poll",
				Start: ch.Start,
				Stop:  ch.Stop,
			})
			api.RegisterDock(plugins.Dock{
				Channel: "telegram",
				Name:    "status",
				Handler: http.HandlerFunc(ch.serveStatus),
			})
			return nil
		},
	}
}

// Channel carries Telegram updates into the hub and replies back out.
type Channel struct {
	bot     *telego.Bot
	account string
	inbound plugins.InboundFunc
	logger  *slog.Logger

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewChannel builds the channel; the bot token is validated lazily on Start.
func NewChannel(cfg Config, inbound plugins.InboundFunc, logger *slog.Logger) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	account := cfg.Account
	if account == "" {
		account = "default"
	}
	return &Channel{bot: bot, account: account, inbound: inbound, logger: logger}, nil
}

func (c *Channel) Name() string { return "telegram" }

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram long polling: %w", err)
	}
	c.logger.Info("telegram.connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for update := range updates {
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			c.handleMessage(pollCtx, update.Message)
		}
	}()
	return nil
}

// Stop cancels polling and waits for the update loop to drain.
func (c *Channel) Stop(ctx context.Context) error {
	if c.pollCancel == nil {
		return nil
	}
	c.pollCancel()
	select {
	case <-c.pollDone:
	case <-ctx.Done():
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	kind := "group"
	if msg.Chat.Type == telego.ChatTypePrivate {
		kind = "user"
	}
	thread := ""
	if msg.MessageThreadID != 0 {
		thread = strconv.Itoa(msg.MessageThreadID)
	}
	senderID, senderName := "", ""
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
		senderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}

	in := protocol.Inbound{
		Channel:    "telegram",
		Account:    c.account,
		Peer:       protocol.Peer{Kind: kind, ID: strconv.FormatInt(msg.Chat.ID, 10)},
		Thread:     thread,
		SenderID:   senderID,
		SenderName: senderName,
		Body:       msg.Text,
		MessageID:  strconv.Itoa(msg.MessageID),
	}
	if err := c.inbound(ctx, in); err != nil {
		c.logger.Error("telegram.inbound_failed", "chat", msg.Chat.ID, "error", err)
	}
}

// Deliver posts each chunk as its own message, optionally anchored to the
// inbound message per the reply-to policy.
func (c *Channel) Deliver(ctx context.Context, d protocol.Deliver) error {
	chatID, err := strconv.ParseInt(d.Peer.ID, 10, 64)
	if err != nil {
		return protocol.NewError(protocol.KindDelivery, protocol.CodeTargetUnknown,
			"telegram targets are numeric chat ids, got "+d.Peer.ID)
	}

	for _, chunk := range d.Chunks {
		params := tu.Message(tu.ID(chatID), chunk)
		if d.Thread != "" {
			if tid, terr := strconv.Atoi(d.Thread); terr == nil {
				params.MessageThreadID = tid
			}
		}
		if d.ReplyTo == "quote" && d.ReplyToID != "" {
			if mid, merr := strconv.Atoi(d.ReplyToID); merr == nil {
				params.ReplyParameters = &telego.ReplyParameters{MessageID: mid}
			}
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return protocol.WrapError(protocol.KindDelivery, protocol.CodeDeliveryFailed,
				"telegram send", err)
		}
	}
	return nil
}

// serveStatus is the channel's status dock: bot identity and whether the
// poll loop is up.
func (c *Channel) serveStatus(w http.ResponseWriter, r *http.Request) {
	polling := false
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		default:
			polling = true
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"channel": "telegram",
		"account": c.account,
		"bot":     c.bot.Username(),
		"polling": polling,
	})
}

// DirectoryProvider exposes the (id-only) Telegram directory. The Bot API
// has no contact listing, so resolution leans on the id predicate and the
// hint pointing at numeric chat ids.
func (c *Channel) DirectoryProvider() *directory.Provider {
	return &directory.Provider{
		Channel:   "telegram",
		Signature: "telegram/1",
		List: func(ctx context.Context, accountID string, kind directory.Kind) ([]directory.Entry, error) {
			return nil, nil
		},
		LooksLikeID: func(input string) bool {
			s := strings.TrimPrefix(input, "-")
			if s == "" {
				return false
			}
			for _, r := range s {
				if r < '0' || r > '9' {
					return false
				}
			}
			return true
		},
		Hint: "telegram targets are numeric chat ids; message the bot once to learn yours",
	}
}
