package telegram

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/confluence-tracker/pkg/config"
	"github.com/confluence-tracker/pkg/router"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 5 * time.Minute
)

// Manager supervises every configured session. Sessions reconnect
// independently; one account going down must not take the rest offline.
type Manager struct {
	sessions []*Session
}

func NewManager(cfg *config.Config, handler func(router.Inbound)) *Manager {
	m := &Manager{}
	for _, file := range cfg.TelegramSessions {
		m.sessions = append(m.sessions, NewSession(cfg, file, handler))
	}
	return m
}

func (m *Manager) SessionCount() int { return len(m.sessions) }

// Run blocks until the context ends. It only returns early if no session
// slot is left running.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.sessions) == 0 {
		return errors.New("no telegram sessions configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m.sessions {
		s := s
		g.Go(func() error {
			return m.supervise(ctx, s)
		})
	}
	return g.Wait()
}

// supervise restarts a session after transport failures with doubling
// backoff. An unauthorized session parks its slot instead of retrying, a
// login prompt cannot be answered from here.
func (m *Manager) supervise(ctx context.Context, s *Session) error {
	backoff := reconnectBase
	for {
		started := time.Now()
		err := s.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrNotAuthorized) {
			log.Error().Str("session", s.name).
				Msg("session not authorized, slot parked; run trackerctl login")
			return nil
		}

		// A connection that held for a while earns a fresh backoff.
		if time.Since(started) > time.Minute {
			backoff = reconnectBase
		}
		log.Warn().Err(err).Str("session", s.name).Dur("retry_in", backoff).
			Msg("session dropped, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}
