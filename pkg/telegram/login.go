package telegram

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog/log"

	"github.com/confluence-tracker/pkg/config"
)

// Login authorizes one session file interactively on the terminal. The
// tracker daemon itself never prompts, so this runs out-of-band before
// the daemon picks the file up.
func Login(ctx context.Context, cfg *config.Config, file, phone string) error {
	client := telegram.NewClient(cfg.TelegramAPIID, cfg.TelegramAPIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: file},
	})
	return client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(termAuth{phone: phone}, auth.SendCodeOptions{})
		if err := client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("auth flow: %w", err)
		}
		self, err := client.Self(ctx)
		if err != nil {
			return err
		}
		log.Info().Str("session", sessionName(file)).Str("user", self.Username).
			Msg("✅ session authorized")
		return nil
	})
}

// termAuth asks on the terminal for whatever the flow still needs.
type termAuth struct {
	phone string
}

func (a termAuth) Phone(context.Context) (string, error) {
	if a.phone != "" {
		return a.phone, nil
	}
	return prompt("Phone (international format): ")
}

func (a termAuth) Password(context.Context) (string, error) {
	return prompt("2FA password: ")
}

func (a termAuth) Code(context.Context, *tg.AuthSentCode) (string, error) {
	return prompt("Login code: ")
}

func (a termAuth) AcceptTermsOfService(context.Context, tg.HelpTermsOfService) error {
	return nil
}

func (a termAuth) SignUp(context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("account sign-up is not supported")
}

func prompt(label string) (string, error) {
	fmt.Print(label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
