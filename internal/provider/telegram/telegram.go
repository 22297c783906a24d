// Package telegram delivers messages to Telegram chats through the Bot API.
//
// Recipients use the form "tg:<chat id>". The bot is created offline (no
// getMe round trip) and cached per token, so a credential rotation picks up
// a fresh bot on the next send.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"smsmaster/internal/credentials"
	"smsmaster/internal/domain"
	"smsmaster/internal/provider"
)

type Config struct {
	Name          string
	BaseURL       string
	CredentialRef string
	HTTPClient    *http.Client
}

type Client struct {
	cfg   Config
	creds credentials.Store

	mu    sync.Mutex
	token string
	bot   *tele.Bot
}

func New(cfg Config, creds credentials.Store) *Client {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "telegram"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.CredentialRef) == "" {
		cfg.CredentialRef = cfg.Name
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = provider.DefaultHTTPClient
	}
	return &Client{cfg: cfg, creds: creds}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) SupportsRecipient(recipient string) bool {
	_, ok := ChatID(recipient)
	return ok
}

// ChatID parses a "tg:<id>" recipient.
func ChatID(recipient string) (int64, bool) {
	r := strings.TrimSpace(recipient)
	if len(r) <= len(domain.TelegramPrefix) || !strings.EqualFold(r[:len(domain.TelegramPrefix)], domain.TelegramPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(r[len(domain.TelegramPrefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (c *Client) botFor(ctx context.Context) (*tele.Bot, error) {
	if c.creds == nil {
		return nil, provider.CredentialError(c.cfg.Name, errors.New("no credential store"))
	}
	cred, err := c.creds.Resolve(ctx, c.cfg.CredentialRef)
	if err != nil {
		return nil, provider.CredentialError(c.cfg.Name, err)
	}
	if err := cred.Require("token"); err != nil {
		return nil, provider.CredentialError(c.cfg.Name, err)
	}
	token := cred.Get("token")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil && c.token == token {
		return c.bot, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     c.cfg.BaseURL,
		Client:  c.cfg.HTTPClient,
		Offline: true,
	})
	if err != nil {
		return nil, provider.CredentialError(c.cfg.Name, err)
	}
	c.bot, c.token = b, token
	return b, nil
}

type sendResult struct {
	msg *tele.Message
	err error
}

func (c *Client) Send(ctx context.Context, recipient, body string) (provider.Receipt, error) {
	id, ok := ChatID(recipient)
	if !ok {
		return provider.Receipt{}, &provider.Error{Provider: c.cfg.Name, Kind: provider.KindPermanent,
			Code: provider.CodeUnsupported, Err: errors.New("recipient is not a telegram chat")}
	}
	b, err := c.botFor(ctx)
	if err != nil {
		return provider.Receipt{}, err
	}

	// telebot has no per-call context; the caller's deadline still bounds the wait.
	done := make(chan sendResult, 1)
	go func() {
		m, err := b.Send(&tele.Chat{ID: id}, body)
		done <- sendResult{msg: m, err: err}
	}()

	select {
	case <-ctx.Done():
		return provider.Receipt{}, provider.TransportError(c.cfg.Name, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return provider.Receipt{}, c.classify(r.err)
		}
		rc := provider.Receipt{Status: "sent"}
		if r.msg != nil {
			rc.MessageID = strconv.Itoa(r.msg.ID)
		}
		return rc, nil
	}
}

var recipientErrors = []error{
	tele.ErrChatNotFound,
	tele.ErrBlockedByUser,
	tele.ErrNotStartedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrKickedFromGroup,
}

func (c *Client) classify(err error) *provider.Error {
	e := &provider.Error{Provider: c.cfg.Name, Err: err}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		e.Kind, e.Code, e.StatusCode = provider.KindTransient, provider.CodeThrottled, http.StatusTooManyRequests
		e.RetryAfter = time.Duration(flood.RetryAfter) * time.Second
		return e
	}
	if errors.Is(err, tele.ErrUnauthorized) {
		e.Kind, e.Code, e.StatusCode = provider.KindPermanent, provider.CodeCredential, http.StatusUnauthorized
		return e
	}
	for _, re := range recipientErrors {
		if errors.Is(err, re) {
			e.Kind, e.Code = provider.KindPermanent, provider.CodeInvalidRecipient
			return e
		}
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return provider.FromHTTPStatus(c.cfg.Name, te.Code, 0, err)
	}

	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "telebot:"):
		// Transport failure wrapped by the library.
		e.Kind, e.Code = provider.KindTransient, provider.CodeNetwork
	case strings.Contains(msg, "(400)") || strings.Contains(msg, "(403)"):
		e.Kind, e.Code = provider.KindPermanent, provider.CodeRejected
	default:
		e.Kind, e.Code = provider.KindTransient, provider.CodeServer
	}
	return e
}

// Validate calls getMe, which fails fast on a revoked token.
func (c *Client) Validate(ctx context.Context) error {
	b, err := c.botFor(ctx)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := b.Raw("getMe", nil)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return provider.TransportError(c.cfg.Name, ctx.Err())
	case err := <-done:
		if err != nil {
			return c.classify(err)
		}
		return nil
	}
}
