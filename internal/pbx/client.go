package pbx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// CallControl is the call-control surface the dialer consumes.
//
// Rules:
// - No PBX HTTP calls outside this package.
// - Every method takes a context and an explicit bearer token; the client
//   itself holds no credential state.
type CallControl interface {
	// IssueToken exchanges campaign client credentials for a bearer token.
	IssueToken(ctx context.Context, clientID, clientSecret string) (Token, error)

	// ListCallers returns extension snapshots, optionally filtered by DN.
	ListCallers(ctx context.Context, token, filter string) ([]Extension, error)

	// PlaceCall originates an outbound call from dn/device to destination.
	PlaceCall(ctx context.Context, token, dn, deviceID, destination string) error

	// Probe issues a cheap read-only request to verify the token is still
	// honored. Used for liveness, not authorization.
	Probe(ctx context.Context, token string) error
}

var (
	ErrUnauthorized = errors.New("pbx: unauthorized")
	ErrUnavailable  = errors.New("pbx: service unavailable")
)

// ClientOptions configures the HTTP client.
type ClientOptions struct {
	BaseURL string
	Timeout time.Duration

	// RequestsPerSecond rate-limits outbound calls to the PBX API.
	// Zero means a conservative default.
	RequestsPerSecond float64
}

// Client is the HTTP implementation of CallControl.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("pbx: base URL is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}, nil
}

func (c *Client) IssueToken(ctx context.Context, clientID, clientSecret string) (Token, error) {
	if clientID == "" || clientSecret == "" {
		return Token{}, errors.New("pbx: client credentials are required")
	}

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok Token
	if err := c.do(req, &tok); err != nil {
		return Token{}, err
	}
	if tok.AccessToken == "" {
		return Token{}, errors.New("pbx: token response missing access_token")
	}
	tok.IssuedAt = time.Now().UTC()
	return tok, nil
}

func (c *Client) ListCallers(ctx context.Context, token, filter string) ([]Extension, error) {
	endpoint := c.baseURL + "/callcontrol"
	if filter != "" {
		endpoint += "?filter=" + url.QueryEscape(filter)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var out []Extension
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type placeCallRequest struct {
	Destination string `json:"destination"`
}

func (c *Client) PlaceCall(ctx context.Context, token, dn, deviceID, destination string) error {
	if dn == "" || destination == "" {
		return errors.New("pbx: dn and destination are required")
	}

	body, err := json.Marshal(placeCallRequest{Destination: destination})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/callcontrol/%s/devices/%s/makecall",
		c.baseURL, url.PathEscape(dn), url.PathEscape(deviceID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, nil)
}

func (c *Client) Probe(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/callcontrol", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, nil)
}

// do executes a request under the rate limiter and decodes a JSON response
// into out when non-nil.
func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("pbx: %s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("pbx: decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}
