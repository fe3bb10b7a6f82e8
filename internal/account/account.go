package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	apperrors "github.com/PetoAdam/homenavi/govee-adapter/pkg/errors"
)

const (
	DefaultLoginURL      = "https://app2.govee.com/account/rest/account/v1/login"
	DefaultDeviceListURL = "https://app2.govee.com/device/rest/devices/v1/list"

	// DefaultTokenLifetime applies when the login response omits tokenExpireCycle.
	DefaultTokenLifetime = 57600 * time.Second
)

// AuthContext is the result of a successful account login. It is required
// for the certificate broker and the account device list.
type AuthContext struct {
	AccountID    string    `json:"account_id"`
	ClientID     string    `json:"client_id"`
	AccountTopic string    `json:"account_topic"`
	BearerToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Token exposes the bearer credentials as an oauth2 token.
func (a AuthContext) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  a.BearerToken,
		RefreshToken: a.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       a.ExpiresAt,
	}
}

// ExpiresWithin reports whether the context is expired or will be within d of now.
func (a AuthContext) ExpiresWithin(now time.Time, d time.Duration) bool {
	return a.BearerToken == "" || !now.Add(d).Before(a.ExpiresAt)
}

// AccountDevice is one entry of the account device list. Topic is the
// device-scoped broker topic.
type AccountDevice struct {
	SKU      string `json:"sku"`
	DeviceID string `json:"device"`
	Name     string `json:"device_name"`
	Topic    string `json:"topic"`
}

type Client struct {
	loginURL      string
	deviceListURL string
	httpClient    *http.Client
	now           func() time.Time
	newClientID   func() string
}

type Option func(*Client)

func WithLoginURL(u string) Option { return func(c *Client) { c.loginURL = u } }

func WithDeviceListURL(u string) Option { return func(c *Client) { c.deviceListURL = u } }

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func New(opts ...Option) *Client {
	c := &Client{
		loginURL:      DefaultLoginURL,
		deviceListURL: DefaultDeviceListURL,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		now:           time.Now,
		newClientID:   NewClientID,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewClientID returns a fresh 32 hex character client identifier.
func NewClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

type loginResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Client  *struct {
		AccountID        looseString `json:"accountId"`
		Client           string      `json:"client"`
		Topic            string      `json:"topic"`
		Token            string      `json:"token"`
		RefreshToken     string      `json:"refreshToken"`
		TokenExpireCycle int64       `json:"tokenExpireCycle"`
	} `json:"client"`
}

// looseString accepts a JSON string or number.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	*s = looseString(b)
	return nil
}

// Login exchanges account credentials for an AuthContext.
func (c *Client) Login(ctx context.Context, email, password string) (AuthContext, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return AuthContext{}, apperrors.NewAuthError("email and password are required", nil)
	}
	clientID := c.newClientID()
	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
		"client":   clientID,
	})
	if err != nil {
		return AuthContext{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL, bytes.NewReader(body))
	if err != nil {
		return AuthContext{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AuthContext{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AuthContext{}, err
	}

	var lr loginResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		return AuthContext{}, apperrors.NewAuthError(fmt.Sprintf("unreadable login response (http %d)", resp.StatusCode), err)
	}
	if lr.Status != http.StatusOK || resp.StatusCode != http.StatusOK || lr.Client == nil || lr.Client.Token == "" {
		msg := lr.Message
		if msg == "" {
			msg = fmt.Sprintf("login rejected (status %d)", lr.Status)
		}
		return AuthContext{}, apperrors.NewAuthError(msg, nil)
	}

	now := c.now()
	lifetime := DefaultTokenLifetime
	if lr.Client.TokenExpireCycle > 0 {
		lifetime = time.Duration(lr.Client.TokenExpireCycle) * time.Second
	}
	ac := AuthContext{
		AccountID:    string(lr.Client.AccountID),
		ClientID:     lr.Client.Client,
		AccountTopic: lr.Client.Topic,
		BearerToken:  lr.Client.Token,
		RefreshToken: lr.Client.RefreshToken,
		ExpiresAt:    now.Add(lifetime),
	}
	if ac.ClientID == "" {
		ac.ClientID = clientID
	}
	if ac.RefreshToken == "" {
		ac.RefreshToken = ac.BearerToken
	}
	if exp, ok := tokenExpiry(ac.BearerToken); ok && exp.Before(ac.ExpiresAt) {
		ac.ExpiresAt = exp
	}
	slog.Info("govee account login ok", "account", ac.AccountID, "expires_at", ac.ExpiresAt.Format(time.RFC3339))
	return ac, nil
}

// tokenExpiry reads the exp claim of a JWT bearer token without verifying
// it. Opaque tokens report ok=false.
func tokenExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

type deviceListResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Devices []struct {
		SKU        string `json:"sku"`
		Device     string `json:"device"`
		DeviceName string `json:"deviceName"`
		DeviceExt  struct {
			DeviceSettings string `json:"deviceSettings"`
		} `json:"deviceExt"`
	} `json:"devices"`
}

// ListDevices fetches the account device list, which carries the per-device
// broker topics the OpenAPI does not expose.
func (c *Client) ListDevices(ctx context.Context, ac AuthContext) ([]AccountDevice, error) {
	if ac.BearerToken == "" {
		return nil, apperrors.NewAuthError("no bearer token; login first", nil)
	}
	hc := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), oauth2.StaticTokenSource(ac.Token()))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.deviceListURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("clientId", ac.ClientID)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var dl deviceListResponse
	_ = json.Unmarshal(raw, &dl)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || dl.Status == http.StatusUnauthorized:
		return nil, apperrors.NewAuthError("account token rejected", nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &apperrors.TransportError{Op: "account_devices", Status: resp.StatusCode, VendorCode: dl.Status, Message: dl.Message}
	case dl.Status != http.StatusOK:
		return nil, &apperrors.VendorError{Op: "account_devices", Code: dl.Status, Message: dl.Message}
	}

	out := make([]AccountDevice, 0, len(dl.Devices))
	for _, d := range dl.Devices {
		out = append(out, AccountDevice{
			SKU:      d.SKU,
			DeviceID: d.Device,
			Name:     d.DeviceName,
			Topic:    settingsTopic(d.DeviceExt.DeviceSettings),
		})
	}
	return out, nil
}

// settingsTopic extracts the broker topic from the deviceSettings JSON string.
func settingsTopic(settings string) string {
	if strings.TrimSpace(settings) == "" {
		return ""
	}
	var s struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal([]byte(settings), &s); err != nil {
		slog.Debug("unparseable deviceSettings", "error", err)
		return ""
	}
	return s.Topic
}
