// Package primary is the client for the backend REST API holding canonical
// report records. Responses are normalized into the strict medsync types at
// this boundary and every failure is classified into the medsync error
// taxonomy.
package primary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/medlink/medsync"
	"github.com/medlink/medsync/credentials"
	"github.com/medlink/medsync/telemetry"
	"github.com/tidwall/gjson"
)

const (
	// DefaultBaseURL is the user-scoped API of the hosted backend.
	DefaultBaseURL = "https://medlink-bh5c.onrender.com/api/user"

	// DefaultTimeout caps a single request when the caller sets no deadline.
	DefaultTimeout = 30 * time.Second

	// maxBodySize bounds how much of a response body is read.
	maxBodySize = 10 << 20
)

// Client fetches reports from the backend.
type Client struct {
	baseURL string
	apiRoot string
	tokens  credentials.TokenSource
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the user-scoped API URL that /reports hangs off.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithAPIRoot sets the API root used for emergency endpoints. It defaults
// to the parent of the base URL.
func WithAPIRoot(u string) Option {
	return func(c *Client) {
		c.apiRoot = strings.TrimSuffix(u, "/")
	}
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(src credentials.TokenSource) Option {
	return func(c *Client) {
		c.tokens = src
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithNow sets the clock used to check token expiry.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a backend client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "primary"),
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiRoot == "" {
		c.apiRoot = parentURL(c.baseURL)
	}
	c.logger = c.logger.With("component", "primary")
	return c
}

func parentURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return raw
	}
	u.Path = path.Dir(u.Path)
	if u.Path == "/" || u.Path == "." {
		u.Path = ""
	}
	return u.String()
}

// Reports fetches the signed-in user's report list.
func (c *Client) Reports(ctx context.Context) (medsync.ReportList, error) {
	body, err := c.get(ctx, "primary.reports", c.baseURL+"/reports")
	if err != nil {
		return medsync.ReportList{}, err
	}
	return parseReportList(gjson.ParseBytes(body)), nil
}

// Report fetches one report with its files, vitals and medicines.
func (c *Client) Report(ctx context.Context, id string) (medsync.ReportDetail, error) {
	const op = "primary.report"
	body, err := c.get(ctx, op, c.baseURL+"/reports/"+url.PathEscape(id))
	if err != nil {
		return medsync.ReportDetail{}, err
	}
	doc := gjson.ParseBytes(body)
	if !doc.Get("report").IsObject() {
		return medsync.ReportDetail{}, medsync.NewError(medsync.CodeUpstream5xx, op, errors.New("response has no report"))
	}
	return parseReportDetail(doc), nil
}

// Summary asks the backend for the AI medication summary of a report.
func (c *Client) Summary(ctx context.Context, id string) ([]medsync.MedicationSummary, error) {
	body, err := c.get(ctx, "primary.summary", c.baseURL+"/report-summary?reportId="+url.QueryEscape(id))
	if err != nil {
		return nil, err
	}
	return parseSummary(gjson.ParseBytes(body)), nil
}

// CheckApproval reads the state of an emergency access request.
func (c *Client) CheckApproval(ctx context.Context, emergencyID string) (medsync.ApprovalStatus, error) {
	body, err := c.get(ctx, "primary.approval", c.apiRoot+"/emergency/check-approval/"+url.PathEscape(emergencyID))
	if err != nil {
		return medsync.ApprovalStatus{}, err
	}
	return parseApproval(gjson.ParseBytes(body)), nil
}

// bearer returns the token to send, refusing locally expired sessions so no
// request is made that the backend would reject.
func (c *Client) bearer(ctx context.Context, op string) (string, error) {
	if c.tokens == nil {
		return "", medsync.NewError(medsync.CodeUpstream4xx, op, credentials.ErrNoToken)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", medsync.NewError(medsync.CodeUpstream4xx, op, err)
	}
	// Opaque tokens are sent as-is.
	if claims, err := credentials.ParseClaims(token); err == nil && claims.Expired(c.now()) {
		return "", medsync.NewError(medsync.CodeUpstream4xx, op, errors.New("session token expired"))
	}
	return token, nil
}

func (c *Client) get(ctx context.Context, op, target string) ([]byte, error) {
	token, err := c.bearer(ctx, op)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "op", op, "error", err)
		return nil, classifyTransport(ctx, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, classifyTransport(ctx, op, err)
	}

	if resp.StatusCode >= 400 {
		e := classifyStatus(op, resp.StatusCode, body)
		c.logger.Debug("upstream rejected request",
			"op", op,
			"status", resp.StatusCode,
			"duration", time.Since(start))
		return nil, e
	}

	if !gjson.ValidBytes(body) {
		return nil, medsync.NewError(medsync.CodeUpstream5xx, op, errors.New("malformed response body"))
	}
	if s := gjson.GetBytes(body, "success"); s.Exists() && !s.Bool() {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = "backend reported failure"
		}
		return nil, medsync.NewError(medsync.CodeUpstream5xx, op, errors.New(msg))
	}

	c.logger.Debug("fetched", "op", op, "bytes", len(body), "duration", time.Since(start))
	return body, nil
}

func classifyStatus(op string, status int, body []byte) *medsync.Error {
	code := medsync.CodeUpstream5xx
	if status < 500 {
		code = medsync.CodeUpstream4xx
	}
	msg := http.StatusText(status)
	if m := gjson.GetBytes(body, "message"); m.Exists() && m.String() != "" {
		msg = m.String()
	}
	e := medsync.NewError(code, op, errors.New(msg))
	e.Status = status
	return e
}

func classifyTransport(ctx context.Context, op string, err error) *medsync.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return medsync.NewError(medsync.CodeNetworkTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return medsync.NewError(medsync.CodeNetworkTimeout, op, err)
	}
	return medsync.NewError(medsync.CodeUpstream5xx, op, err)
}
