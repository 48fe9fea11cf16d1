package city4u

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/citywater/citywater/pkg/common"
	"github.com/citywater/citywater/pkg/log"
	"github.com/citywater/citywater/pkg/types"
)

const (
	loginPath     = "/WebApiUsersManagement/v1/UsrManagements/LoginUser"
	dataPath      = "/WebApiCity4u/v1/WaterConsumption/ReadingMoneWater"
	customersPath = "/WebApi_portal/v1/Customers/Customer/allcustomers"

	// DefaultBaseURL is the production City4U portal host.
	DefaultBaseURL = "https://city4u.co.il"

	// The login response carries no expiry, so we assume 12 hours. A token is
	// considered stale 5 minutes before that to avoid racing expiry
	// mid-request.
	tokenLifetime  = 720 * time.Minute
	tokenFreshness = 5 * time.Minute

	requestTimeout = 30 * time.Second
)

// Config controls how the client talks to the portal.
type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	// InsecureSkipVerify disables TLS certificate verification. The production
	// host serves a certificate that fails validation, so talking to it
	// requires opting in here. This is insecure; it is surfaced as an explicit
	// option instead of a silent default for exactly that reason.
	InsecureSkipVerify bool
}

// Client talks to the City4U portal for one account/meter pair. It owns the
// bearer token and its expiry; a fetch never runs without a fresh token.
// Safe for concurrent use.
type Client struct {
	client  *http.Client
	baseURL string
	creds   types.Credentials

	mu           sync.Mutex
	token        string
	tokenExpires time.Time
	lastPoll     time.Time

	now func() time.Time
}

// New creates a client for the given credentials.
func New(cfg Config, creds types.Credentials) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := common.HTTPClient(requestTimeout)
	if cfg.InsecureSkipVerify {
		httpClient = common.InsecureHTTPClient(requestTimeout)
	}
	return &Client{
		client:  httpClient,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		creds:   creds,
		now:     time.Now,
	}
}

// Credentials returns the credentials this client was built with.
func (c *Client) Credentials() types.Credentials {
	return c.creds
}

// LastPollTime returns when readings were last fetched successfully. Display
// only; nothing decides on it.
func (c *Client) LastPollTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPoll
}

// IsTokenValid reports whether the stored token can still be used, with the
// freshness margin applied.
func (c *Client) IsTokenValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenValidLocked()
}

func (c *Client) tokenValidLocked() bool {
	if c.token == "" || c.tokenExpires.IsZero() {
		return false
	}
	return c.tokenExpires.After(c.now().Add(tokenFreshness))
}

// SetToken overrides the stored token and expiry. Exposed for tests.
func (c *Client) SetToken(token string, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.tokenExpires = expires
}

type loginResult struct {
	UserToken string `json:"UserToken"`
}

// Authenticate exchanges the credentials for a bearer token. One POST, no
// retries; retry policy belongs to the caller.
func (c *Client) Authenticate(ctx context.Context) error {
	data := url.Values{}
	data.Set("ServiceName", "LoginUser")
	data.Set("UserName", c.creds.Username)
	data.Set("Password", c.creds.Password)
	// the portal's web client always sends this placeholder
	data.Set("token", "undefined")
	// the account id is duplicated for historical API compatibility
	data.Set("customerID", c.creds.CustomerID)
	data.Set("CustomerSite", c.creds.CustomerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, strings.NewReader(data.Encode()))
	if err != nil {
		return &Error{Kind: KindAuthUnavailable, Op: "authenticate", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	log.Ctx(ctx).DebugContext(ctx, "authenticating with city4u", slog.String("customerID", c.creds.CustomerID))

	resp, err := c.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "city4u login request failed", slog.Any("error", err))
		return &Error{Kind: KindAuthUnavailable, Op: "authenticate", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindAuthUnavailable, Op: "authenticate", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		kind := KindAuthUnavailable
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = KindAuthRejected
		}
		log.Ctx(ctx).ErrorContext(ctx, "city4u login failed",
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncateBody(body)),
		)
		return &Error{Kind: kind, Op: "authenticate", Status: resp.StatusCode, Body: truncateBody(body)}
	}

	var res loginResult
	if err := json.Unmarshal(body, &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "city4u login response is not JSON",
			slog.String("body", truncateBody(body)),
		)
		return &Error{Kind: KindAuthProtocol, Op: "authenticate", Status: resp.StatusCode, Body: truncateBody(body), Err: err}
	}
	if res.UserToken == "" {
		log.Ctx(ctx).ErrorContext(ctx, "city4u login response missing UserToken",
			slog.String("body", truncateBody(body)),
		)
		return &Error{Kind: KindAuthProtocol, Op: "authenticate", Status: resp.StatusCode, Body: truncateBody(body), Err: errors.New("no UserToken in response")}
	}

	expires := c.now().Add(tokenLifetime)
	c.mu.Lock()
	c.token = res.UserToken
	c.tokenExpires = expires
	c.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "city4u login success", slog.Time("tokenExpires", expires))
	return nil
}

// FetchReadings retrieves the full reading sequence for the configured meter.
// The caller must hold a valid token (see IsTokenValid); this method does not
// reauthenticate on its own. The response array is returned verbatim, in
// upstream order.
func (c *Client) FetchReadings(ctx context.Context) (types.Snapshot, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return nil, &Error{Kind: KindSessionExpired, Op: "fetchReadings", Err: errors.New("no token; authenticate first")}
	}

	u := fmt.Sprintf("%s%s/%s/%s", c.baseURL, dataPath,
		url.PathEscape(c.creds.CustomerID), url.PathEscape(c.creds.MeterNumber))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Kind: KindFetchUnavailable, Op: "fetchReadings", Err: err}
	}
	req.Header.Set("customerID", c.creds.CustomerID)
	req.Header.Set("CustomerSite", c.creds.CustomerID)
	req.Header.Set("UserName", c.creds.Username)
	req.Header.Set("token", token)

	log.Ctx(ctx).DebugContext(ctx, "fetching water readings",
		slog.String("customerID", c.creds.CustomerID),
		slog.String("meterNumber", c.creds.MeterNumber),
	)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "city4u data request failed", slog.Any("error", err))
		return nil, &Error{Kind: KindFetchUnavailable, Op: "fetchReadings", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindFetchUnavailable, Op: "fetchReadings", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		kind := KindFetchUnavailable
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = KindSessionExpired
		}
		log.Ctx(ctx).ErrorContext(ctx, "city4u data fetch failed",
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncateBody(body)),
		)
		return nil, &Error{Kind: kind, Op: "fetchReadings", Status: resp.StatusCode, Body: truncateBody(body)}
	}

	var readings types.Snapshot
	if err := json.Unmarshal(body, &readings); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "city4u data response is not JSON",
			slog.String("body", truncateBody(body)),
		)
		return nil, &Error{Kind: KindFetchProtocol, Op: "fetchReadings", Status: resp.StatusCode, Body: truncateBody(body), Err: err}
	}

	c.mu.Lock()
	c.lastPoll = c.now()
	c.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "fetched water readings", slog.Int("count", len(readings)))
	return readings, nil
}

// FetchAllHistorical retrieves every available reading. The upstream returns
// the full history from the regular data endpoint, so this is the same call;
// it exists so import flows read as what they are.
func (c *Client) FetchAllHistorical(ctx context.Context) (types.Snapshot, error) {
	return c.FetchReadings(ctx)
}

type customerRecord struct {
	CustomerID json.Number `json:"CUSTOMER_ID"`
	NameHe     string      `json:"CUSTOMER_NAME_HE"`
}

// FetchMunicipalities retrieves the upstream customer directory. Used by
// setup tooling only; the polling core never calls it. No authentication
// required.
func FetchMunicipalities(ctx context.Context, cfg Config) ([]types.Municipality, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := common.HTTPClient(requestTimeout)
	if cfg.InsecureSkipVerify {
		httpClient = common.InsecureHTTPClient(requestTimeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+customersPath, nil)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("customer directory request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("customer directory returned status %d: %s", resp.StatusCode, truncateBody(body))
	}

	var records []customerRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("customer directory response is not JSON: %w", err)
	}

	out := make([]types.Municipality, 0, len(records))
	for _, r := range records {
		id, err := r.CustomerID.Int64()
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping customer with non-numeric id", slog.String("id", r.CustomerID.String()))
			continue
		}
		out = append(out, types.Municipality{CustomerID: int(id), NameHe: r.NameHe})
	}
	return out, nil
}
