// Package telegram runs the MTProto ingest sessions. Each session is a
// logged-in user account whose update stream feeds the fan-in router;
// tracker channels only need to be joined from that account, never polled.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog/log"

	"github.com/confluence-tracker/pkg/config"
	"github.com/confluence-tracker/pkg/extractor"
	"github.com/confluence-tracker/pkg/parser"
	"github.com/confluence-tracker/pkg/router"
)

// ErrNotAuthorized marks a session file with no valid login behind it.
var ErrNotAuthorized = errors.New("session not authorized")

const probeTimeout = 10 * time.Second

// Session is one MTProto account connection.
type Session struct {
	name    string
	file    string
	appID   int
	appHash string
	probe   time.Duration
	handler func(router.Inbound)
}

func NewSession(cfg *config.Config, file string, handler func(router.Inbound)) *Session {
	return &Session{
		name:    sessionName(file),
		file:    file,
		appID:   cfg.TelegramAPIID,
		appHash: cfg.TelegramAPIHash,
		probe:   cfg.SessionProbe,
		handler: handler,
	}
}

func (s *Session) Name() string { return s.name }

// Run connects and blocks until the context ends or the connection dies.
// It never prompts: an unauthorized session file is an error, login is
// trackerctl's job.
func (s *Session) Run(ctx context.Context) error {
	d := tg.NewUpdateDispatcher()
	d.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		s.deliver(e, u.Message)
		return nil
	})
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		s.deliver(e, u.Message)
		return nil
	})

	client := telegram.NewClient(s.appID, s.appHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: s.file},
		UpdateHandler:  d,
	})

	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return fmt.Errorf("session %s: %w", s.name, ErrNotAuthorized)
		}
		self, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("self: %w", err)
		}
		log.Info().Str("session", s.name).Str("user", self.Username).Msg("📡 session online")

		return s.probeLoop(ctx, client)
	})
}

// probeLoop keeps the RPC path verified. A hung connection fails the
// probe, which fails Run, which makes the manager reconnect.
func (s *Session) probeLoop(ctx context.Context, client *telegram.Client) error {
	t := time.NewTicker(s.probe)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			_, err := client.Self(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("session probe: %w", err)
			}
			log.Debug().Str("session", s.name).Msg("session probe ok")
		}
	}
}

// deliver converts one raw update into a router Inbound. Service messages
// and media-only posts carry no text and are skipped here.
func (s *Session) deliver(e tg.Entities, mc tg.MessageClass) {
	msg, ok := mc.(*tg.Message)
	if !ok || msg.Message == "" {
		return
	}
	senderID, handle := senderOf(msg, e)
	s.handler(router.Inbound{
		SessionID:    s.name,
		SenderID:     senderID,
		SenderHandle: handle,
		Text:         msg.Message,
		Entities:     convertEntities(msg.Message, msg.Entities),
		Outbound:     msg.Out,
		Timestamp:    time.Unix(int64(msg.Date), 0).UTC(),
	})
}

// senderOf resolves who posted. Group posts carry the author in FromID;
// channel posts identify only the channel itself.
func senderOf(msg *tg.Message, e tg.Entities) (int64, string) {
	if msg.FromID != nil {
		if p, ok := msg.FromID.(*tg.PeerUser); ok {
			if u := e.Users[p.UserID]; u != nil {
				return p.UserID, u.Username
			}
			return p.UserID, ""
		}
	}
	switch p := msg.PeerID.(type) {
	case *tg.PeerChannel:
		if ch := e.Channels[p.ChannelID]; ch != nil {
			return p.ChannelID, ch.Username
		}
		return p.ChannelID, ""
	case *tg.PeerUser:
		if u := e.Users[p.UserID]; u != nil {
			return p.UserID, u.Username
		}
		return p.UserID, ""
	case *tg.PeerChat:
		return p.ChatID, ""
	}
	return 0, ""
}

// convertEntities keeps only the URL annotations the parsers read. For a
// plain url entity the link text is the link itself, sliced by UTF-16
// offsets the way Telegram counts them.
func convertEntities(text string, ents []tg.MessageEntityClass) []parser.Entity {
	var out []parser.Entity
	for _, ent := range ents {
		switch v := ent.(type) {
		case *tg.MessageEntityURL:
			url := extractor.EntityText(text, v.Offset, v.Length)
			if url == "" {
				continue
			}
			out = append(out, parser.Entity{Kind: "url", Offset: v.Offset, Length: v.Length, URL: url})
		case *tg.MessageEntityTextURL:
			out = append(out, parser.Entity{Kind: "text_url", Offset: v.Offset, Length: v.Length, URL: v.URL})
		}
	}
	return out
}

func sessionName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
