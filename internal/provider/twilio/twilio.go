// Package twilio sends SMS through the Twilio Messages REST API.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"smsmaster/internal/credentials"
	"smsmaster/internal/provider"
)

const DefaultBaseURL = "https://api.twilio.com"

// Twilio error codes that mean the destination itself is unusable.
var invalidRecipientCodes = map[int]bool{
	21211: true, // invalid 'To' phone number
	21614: true, // 'To' number is not a valid mobile number
	21610: true, // recipient unsubscribed
}

var unsupportedRegionCodes = map[int]bool{
	21408: true, // permission to send to region not enabled
	21612: true, // cannot route to this number
}

type Config struct {
	Name          string
	BaseURL       string
	CredentialRef string
	From          string // overrides the credential's from_number field
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
		cfg.Name = "twilio"
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

type account struct {
	sid, token, from string
}

func (c *Client) account(ctx context.Context) (account, error) {
	if c.creds == nil {
		return account{}, provider.CredentialError(c.cfg.Name, errors.New("no credential store"))
	}
	cred, err := c.creds.Resolve(ctx, c.cfg.CredentialRef)
	if err != nil {
		return account{}, provider.CredentialError(c.cfg.Name, err)
	}
	if err := cred.Require("account_sid", "auth_token"); err != nil {
		return account{}, provider.CredentialError(c.cfg.Name, err)
	}
	from := strings.TrimSpace(c.cfg.From)
	if from == "" {
		from = cred.Get("from_number")
	}
	return account{sid: cred.Get("account_sid"), token: cred.Get("auth_token"), from: from}, nil
}

type messageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type errorResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

func (c *Client) Send(ctx context.Context, recipient, body string) (provider.Receipt, error) {
	acc, err := c.account(ctx)
	if err != nil {
		return provider.Receipt{}, err
	}
	if acc.from == "" {
		return provider.Receipt{}, provider.CredentialError(c.cfg.Name, errors.New("from number not configured"))
	}
	to, err := provider.E164(recipient, c.cfg.DefaultRegion)
	if err != nil {
		return provider.Receipt{}, err
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", acc.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.cfg.BaseURL, url.PathEscape(acc.sid))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return provider.Receipt{}, provider.Permanent(provider.CodeRejected, err)
	}
	req.SetBasicAuth(acc.sid, acc.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Receipt{}, provider.TransportError(c.cfg.Name, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var mr messageResponse
		if err := json.Unmarshal(raw, &mr); err != nil {
			// Accepted but unreadable: do not resend.
			return provider.Receipt{Status: "accepted"}, nil
		}
		return provider.Receipt{MessageID: mr.SID, Status: mr.Status}, nil
	}
	return provider.Receipt{}, c.classify(resp, raw)
}

func (c *Client) classify(resp *http.Response, raw []byte) error {
	var er errorResponse
	_ = json.Unmarshal(raw, &er)
	detail := strings.TrimSpace(er.Message)
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	if er.Code != 0 {
		detail = fmt.Sprintf("twilio error %d: %s", er.Code, detail)
	}
	e := provider.FromHTTPStatus(c.cfg.Name, resp.StatusCode,
		provider.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), errors.New(detail))
	switch {
	case invalidRecipientCodes[er.Code]:
		e.Kind, e.Code = provider.KindPermanent, provider.CodeInvalidRecipient
	case unsupportedRegionCodes[er.Code]:
		e.Kind, e.Code = provider.KindPermanent, provider.CodeUnsupported
	case er.Code == 20003:
		e.Kind, e.Code = provider.KindPermanent, provider.CodeCredential
	}
	return e
}

// Validate fetches the account resource, which checks SID and token.
func (c *Client) Validate(ctx context.Context) error {
	acc, err := c.account(ctx)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", c.cfg.BaseURL, url.PathEscape(acc.sid))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(acc.sid, acc.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return provider.TransportError(c.cfg.Name, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return c.classify(resp, raw)
}
