// Package textbelt sends SMS through the TextBelt HTTP API.
package textbelt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"smsmaster/internal/credentials"
	"smsmaster/internal/provider"
)

const DefaultBaseURL = "https://textbelt.com"

type Config struct {
	Name          string
	BaseURL       string
	CredentialRef string
	DefaultRegion string
	HTTPClient    *http.Client
}

type Client struct {
	cfg   Config
	creds credentials.Store
	http  *http.Client
}

func New(cfg Config, creds credentials.Store) *Client {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "textbelt"
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.CredentialRef) == "" {
		cfg.CredentialRef = cfg.Name
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = provider.DefaultHTTPClient
	}
	return &Client{cfg: cfg, creds: creds, http: hc}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) SupportsRecipient(recipient string) bool { return provider.IsPhone(recipient) }

type sendResponse struct {
	Success        bool   `json:"success"`
	TextID         any    `json:"textId"`
	QuotaRemaining int    `json:"quotaRemaining"`
	Error          string `json:"error"`
}

type quotaResponse struct {
	Success        bool   `json:"success"`
	QuotaRemaining int    `json:"quotaRemaining"`
	Error          string `json:"error"`
}

func (c *Client) key(ctx context.Context) (string, error) {
	if c.creds == nil {
		return "", provider.CredentialError(c.cfg.Name, errors.New("no credential store"))
	}
	cred, err := c.creds.Resolve(ctx, c.cfg.CredentialRef)
	if err != nil {
		return "", provider.CredentialError(c.cfg.Name, err)
	}
	if err := cred.Require("key"); err != nil {
		return "", provider.CredentialError(c.cfg.Name, err)
	}
	return cred.Get("key"), nil
}

func (c *Client) Send(ctx context.Context, recipient, body string) (provider.Receipt, error) {
	key, err := c.key(ctx)
	if err != nil {
		return provider.Receipt{}, err
	}
	phone, err := provider.E164(recipient, c.cfg.DefaultRegion)
	if err != nil {
		return provider.Receipt{}, err
	}

	form := url.Values{}
	form.Set("phone", phone)
	form.Set("message", body)
	form.Set("key", key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/text", strings.NewReader(form.Encode()))
	if err != nil {
		return provider.Receipt{}, provider.Permanent(provider.CodeRejected, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Receipt{}, provider.TransportError(c.cfg.Name, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := strings.TrimSpace(string(raw))
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		return provider.Receipt{}, provider.FromHTTPStatus(c.cfg.Name, resp.StatusCode,
			provider.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), errors.New(detail))
	}

	var sr sendResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return provider.Receipt{}, &provider.Error{Provider: c.cfg.Name, Kind: provider.KindTransient,
			Code: provider.CodeServer, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode reply: %w", err)}
	}
	if !sr.Success {
		return provider.Receipt{}, c.replyError(sr)
	}
	return provider.Receipt{MessageID: textID(sr.TextID), Status: "sent"}, nil
}

// replyError maps a 200 reply with success=false.
func (c *Client) replyError(sr sendResponse) *provider.Error {
	msg := strings.TrimSpace(sr.Error)
	if msg == "" {
		msg = "send rejected"
	}
	lower := strings.ToLower(msg)
	e := &provider.Error{Provider: c.cfg.Name, Err: errors.New(msg)}
	switch {
	case sr.QuotaRemaining <= 0 && strings.Contains(lower, "quota"):
		e.Kind, e.Code = provider.KindTransient, provider.CodeThrottled
	case strings.Contains(lower, "invalid phone") || strings.Contains(lower, "phone number"):
		e.Kind, e.Code = provider.KindPermanent, provider.CodeInvalidRecipient
	case strings.Contains(lower, "key"):
		e.Kind, e.Code = provider.KindPermanent, provider.CodeCredential
	case strings.Contains(lower, "country") || strings.Contains(lower, "not supported"):
		e.Kind, e.Code = provider.KindPermanent, provider.CodeUnsupported
	default:
		e.Kind, e.Code = provider.KindPermanent, provider.CodeRejected
	}
	return e
}

func textID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	default:
		return ""
	}
}

// Validate checks the key against the quota endpoint.
func (c *Client) Validate(ctx context.Context) error {
	key, err := c.key(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/quota/"+url.PathEscape(key), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return provider.TransportError(c.cfg.Name, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return provider.FromHTTPStatus(c.cfg.Name, resp.StatusCode, 0, errors.New(http.StatusText(resp.StatusCode)))
	}
	var qr quotaResponse
	if err := json.Unmarshal(raw, &qr); err != nil {
		return provider.Transient(provider.CodeServer, fmt.Errorf("decode quota: %w", err))
	}
	if !qr.Success {
		return provider.CredentialError(c.cfg.Name, errors.New(strings.TrimSpace(qr.Error+" quota check failed")))
	}
	return nil
}
