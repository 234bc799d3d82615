// Package agentpay is a Go client for the AgentPay REST API. It submits paid
// agent calls and reads settlement receipts.
package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Calls wait for the agent endpoint and the settlement
// confirmation, so it is longer than a typical API timeout.
const DefaultHTTPTimeout = 5 * time.Minute

// Call states reported by the API.
const (
	StateReceipted        = "Receipted"
	StateSettled          = "Settled"
	StateInputRejected    = "InputRejected"
	StateEndpointFailed   = "EndpointFailed"
	StateOutputRejected   = "OutputRejected"
	StateSettlementFailed = "SettlementFailed"
)

// Client wraps the HTTP interactions with the AgentPay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// CallerContext identifies the original payer and the calling agent of a
// nested call. Coordinator agents forward the context they received.
type CallerContext struct {
	CallerAddress    string    `json:"callerAddress"`
	CallingAgentID   string    `json:"callingAgentId,omitempty"`
	CallingAgentName string    `json:"callingAgentName,omitempty"`
	OriginIntentID   string    `json:"originIntentId"`
	Timestamp        time.Time `json:"timestamp"`
	Path             []string  `json:"path,omitempty"`
}

// CallRequest is the payload required to call a priced agent.
type CallRequest struct {
	IntentID      string          `json:"intent_id,omitempty"`
	AgentID       string          `json:"agent_id"`
	Input         json.RawMessage `json:"input"`
	Caller        string          `json:"caller,omitempty"`
	CallerContext *CallerContext  `json:"caller_context,omitempty"`
}

// Violation describes one schema violation of the input or output.
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Receipt is the settlement record of a paid call.
type Receipt struct {
	ID             string    `json:"id"`
	IntentID       string    `json:"intent_id"`
	AgentID        string    `json:"agent_id"`
	Payer          string    `json:"payer"`
	CallerAddress  string    `json:"caller_address"`
	CallingAgentID string    `json:"calling_agent_id,omitempty"`
	AgentPayout    string    `json:"agent_payout"`
	ProtocolPayout string    `json:"protocol_payout"`
	Asset          string    `json:"asset"`
	Decimals       uint8     `json:"decimals"`
	Total          string    `json:"total"`
	AgentShare     string    `json:"agent_share"`
	ProtocolFee    string    `json:"protocol_fee"`
	InputHash      string    `json:"input_hash"`
	OutputHash     string    `json:"output_hash"`
	Signature      string    `json:"signature"`
	ConfirmedAt    time.Time `json:"confirmed_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// CallResult is the outcome of a call. Output is present once the agent's
// result passed validation, including SettlementFailed where the result was
// delivered but payment could not be confirmed.
type CallResult struct {
	IntentID   string          `json:"intent_id"`
	AgentID    string          `json:"agent_id"`
	State      string          `json:"state"`
	Output     json.RawMessage `json:"output,omitempty"`
	Signature  string          `json:"signature,omitempty"`
	Receipt    *Receipt        `json:"receipt,omitempty"`
	Violations []Violation     `json:"violations,omitempty"`
	Error      *APIError       `json:"error,omitempty"`
}

// Paid reports whether the settlement transaction was confirmed.
func (r *CallResult) Paid() bool {
	return r != nil && (r.State == StateReceipted || r.State == StateSettled)
}

// ReceiptFilter narrows ListReceipts.
type ReceiptFilter struct {
	IntentID  string
	Signature string
	AgentID   string
	Payer     string
	Caller    string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
	Ascending bool
}

func (f ReceiptFilter) values() url.Values {
	q := url.Values{}
	set := func(key, value string) {
		if value != "" {
			q.Set(key, value)
		}
	}
	set("intent_id", f.IntentID)
	set("signature", f.Signature)
	set("agent_id", f.AgentID)
	set("payer", f.Payer)
	set("caller", f.Caller)
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		q.Set("until", f.Until.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Ascending {
		q.Set("order", "asc")
	}
	return q
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Retryable  bool              `json:"retryable,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentPay API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sets the bearer key sent with every request.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// APIKey returns the configured key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Call submits a paid call. A failed call returns both the result, carrying
// the reached state and any violations, and an *APIError.
func (c *Client) Call(ctx context.Context, request CallRequest) (*CallResult, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/calls", nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var result CallResult
	if resp.StatusCode < 400 {
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &result, nil
	}
	apiErr := decodeError(resp.StatusCode, data)
	if json.Unmarshal(data, &result) == nil && result.State != "" {
		result.Error = apiErr
		return &result, apiErr
	}
	return nil, apiErr
}

// GetReceipt fetches a receipt by identifier.
func (c *Client) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	var rec Receipt
	if err := c.get(ctx, "/api/v1/receipts/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListReceipts lists receipts matching the filter.
func (c *Client) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]Receipt, error) {
	var out []Receipt
	if err := c.get(ctx, "/api/v1/receipts", filter.values(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports whether the server is ready.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil, nil)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if key := c.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return decodeError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if len(data) > 0 && json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
		apiErr = envelope.Error
		apiErr.StatusCode = status
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
