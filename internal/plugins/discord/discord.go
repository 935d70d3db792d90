// Package discord is the bundled Discord channel plugin built on the
// discordgo gateway session. Disabled unless the config enables it.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

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
		ID:          "discord",
		Name:        "Discord",
		Description: "Discord bot channel (gateway session)",
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
				return fmt.Errorf("discord config: %w", err)
			}
			if cfg.Token == "" {
				return fmt.Errorf("discord config: token is required")
			}
			ch, err := NewChannel(cfg, api.Inbound, api.Logger)
			if err != nil {
				return err
			}
			api.RegisterChannel(ch)
			api.RegisterService(plugins.Service{
				Name:  "discord.session",
				Start: ch.Start,
				Stop:  ch.Stop,
			})
			return nil
		},
	}
}

// Channel bridges a Discord bot session to the hub.
type Channel struct {
	session *discordgo.Session
	account string
	inbound plugins.InboundFunc
	logger  *slog.Logger
}

// NewChannel builds the session; the token is validated on Start.
func NewChannel(cfg Config, inbound plugins.InboundFunc, logger *slog.Logger) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	if logger == nil {
		logger = slog.Default()
	}
	account := cfg.Account
	if account == "" {
		account = "default"
	}
	return &Channel{session: session, account: account, inbound: inbound, logger: logger}, nil
}

func (c *Channel) Name() string { return "discord" }

// Start opens the gateway session.
func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.logger.Info("discord.connected", "user", c.session.State.User.Username)
	return nil
}

// Stop closes the gateway session.
func (c *Channel) Stop(ctx context.Context) error {
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	kind := "channel"
	if m.GuildID == "" {
		kind = "user"
	}

	in := protocol.Inbound{
		Channel:    "discord",
		Account:    c.account,
		Peer:       protocol.Peer{Kind: kind, ID: m.ChannelID},
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Body:       m.Content,
		MessageID:  m.ID,
	}
	if err := c.inbound(context.Background(), in); err != nil {
		c.logger.Error("discord.inbound_failed", "channel", m.ChannelID, "error", err)
	}
}

// Deliver posts each chunk as its own message.
func (c *Channel) Deliver(ctx context.Context, d protocol.Deliver) error {
	for _, chunk := range d.Chunks {
		if _, err := c.session.ChannelMessageSend(d.Peer.ID, chunk); err != nil {
			return protocol.WrapError(protocol.KindDelivery, protocol.CodeDeliveryFailed,
				"discord send", err)
		}
	}
	return nil
}

// DirectoryProvider lists the guild channels visible to the bot.
func (c *Channel) DirectoryProvider() *directory.Provider {
	return &directory.Provider{
		Channel:   "discord",
		Signature: "discord/1",
		List: func(ctx context.Context, accountID string, kind directory.Kind) ([]directory.Entry, error) {
			var out []directory.Entry
			for _, guild := range c.session.State.Guilds {
				for _, ch := range guild.Channels {
					if ch.Type != discordgo.ChannelTypeGuildText {
						continue
					}
					out = append(out, directory.Entry{
						ID:   ch.ID,
						Name: ch.Name,
						Kind: directory.KindChannel,
					})
				}
			}
			return out, nil
		},
		LooksLikeID: isSnowflake,
		Hint:        "discord targets are channel ids (snowflakes) or #channel names",
	}
}

// isSnowflake matches Discord's 17-20 digit ids.
func isSnowflake(input string) bool {
	if len(input) < 17 || len(input) > 20 {
		return false
	}
	return strings.IndexFunc(input, func(r rune) bool { return r < '0' || r > '9' }) == -1
}
