package crm

import (
	"bytes"
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

	"golang.org/x/time/rate"
)

// DialSource is the CRM surface the dialer consumes.
//
// Same boundary rule as the PBX client: no CRM HTTP calls outside this
// package, context on everything.
type DialSource interface {
	// ListDialCandidates returns customers to call for a call flow,
	// filtered by their CRM-side call status.
	ListDialCandidates(ctx context.Context, callFlowID, campaignID, statusFilter string, limit int) ([]Candidate, error)

	// UpdateCallStatus reports an attempt outcome code for one customer.
	UpdateCallStatus(ctx context.Context, campaignID, customerID string, code int) error

	// IncrementRetryCount bumps the CRM's failure counter, feeding its
	// stale-lead logic.
	IncrementRetryCount(ctx context.Context, campaignID, customerID string) error

	// WriteVisitRecord files a contact record for a connected call.
	WriteVisitRecord(ctx context.Context, rec VisitRecord) error
}

var ErrUnavailable = errors.New("crm: service unavailable")

type ClientOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// RequestsPerSecond rate-limits outbound calls to the CRM API.
	RequestsPerSecond float64
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("crm: base URL is required")
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
		apiKey:  opts.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}, nil
}

func (c *Client) ListDialCandidates(ctx context.Context, callFlowID, campaignID, statusFilter string, limit int) ([]Candidate, error) {
	if callFlowID == "" || campaignID == "" {
		return nil, errors.New("crm: call flow id and campaign id are required")
	}
	if limit <= 0 {
		limit = 50
	}

	q := url.Values{}
	q.Set("call_flow_id", callFlowID)
	q.Set("campaign_id", campaignID)
	q.Set("status", statusFilter)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/dial-candidates?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type callStatusRequest struct {
	CampaignID string `json:"campaign_id"`
	CustomerID string `json:"customer_id"`
	Code       int    `json:"code"`
}

func (c *Client) UpdateCallStatus(ctx context.Context, campaignID, customerID string, code int) error {
	if campaignID == "" || customerID == "" {
		return errors.New("crm: campaign id and customer id are required")
	}
	return c.post(ctx, "/api/call-status", callStatusRequest{
		CampaignID: campaignID,
		CustomerID: customerID,
		Code:       code,
	})
}

type retryCountRequest struct {
	CampaignID string `json:"campaign_id"`
	CustomerID string `json:"customer_id"`
}

func (c *Client) IncrementRetryCount(ctx context.Context, campaignID, customerID string) error {
	if campaignID == "" || customerID == "" {
		return errors.New("crm: campaign id and customer id are required")
	}
	return c.post(ctx, "/api/retry-count/increment", retryCountRequest{
		CampaignID: campaignID,
		CustomerID: customerID,
	})
}

func (c *Client) WriteVisitRecord(ctx context.Context, rec VisitRecord) error {
	if rec.CampaignID == "" || rec.CustomerID == "" {
		return errors.New("crm: campaign id and customer id are required")
	}
	return c.post(ctx, "/api/visit-records", rec)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("crm: %s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("crm: decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}
