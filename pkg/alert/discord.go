package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/confluence-tracker/pkg/db"
)

// DiscordSink mirrors every confluence into one ops channel as a rich
// embed. Unlike the Telegram sink it is not per-tenant.
type DiscordSink struct {
	session   *discordgo.Session
	channelID string
}

func NewDiscordSink(botToken, channelID string) *DiscordSink {
	if botToken == "" || channelID == "" {
		log.Warn().Msg("DISCORD_BOT_TOKEN not set, discord mirror disabled")
		return &DiscordSink{channelID: channelID}
	}

	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		log.Error().Err(err).Msg("failed to create discord session, mirror disabled")
		return &DiscordSink{channelID: channelID}
	}

	log.Info().Str("channel", channelID).Msg("discord mirror initialized")
	return &DiscordSink{session: session, channelID: channelID}
}

func (d *DiscordSink) SendConfluence(ctx context.Context, c db.Confluence) error {
	if d.session == nil {
		return nil
	}

	_, err := d.session.ChannelMessageSendEmbed(d.channelID, d.buildEmbed(c))
	if err != nil {
		return fmt.Errorf("discord embed: %w", err)
	}
	return nil
}

func (d *DiscordSink) buildEmbed(c db.Confluence) *discordgo.MessageEmbed {
	var wallets strings.Builder
	for _, w := range c.Wallets {
		fmt.Fprintf(&wallets, "%s: %s %.2f %s\n", w.Label, w.Side, w.QuoteAmount, w.QuoteSymbol)
	}

	fields := []*discordgo.MessageEmbedField{
		{
			Name:   "Tenant",
			Value:  fmt.Sprintf("%d", c.TenantID),
			Inline: true,
		},
		{
			Name:   "Wallets",
			Value:  fmt.Sprintf("%d", c.WalletCount),
			Inline: true,
		},
	}
	if c.DetectionMarketCap > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "MC at detection",
			Value:  fmtUSD(c.DetectionMarketCap),
			Inline: true,
		})
	}
	if c.TokenAddress != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Mint",
			Value: fmt.Sprintf("`%s`", c.TokenAddress),
		})
	}
	fields = append(fields, &discordgo.MessageEmbedField{
		Name:  "Buyers",
		Value: wallets.String(),
	})

	return &discordgo.MessageEmbed{
		Title:     fmt.Sprintf("%s: %d wallets → %s", Header, c.WalletCount, displayToken(c)),
		Color:     0x2ECC71,
		Fields:    fields,
		Timestamp: c.DetectionTime.Format(time.RFC3339),
	}
}

func (d *DiscordSink) Close() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}
