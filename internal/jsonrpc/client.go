package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// Client is a JSON-RPC 2.0 client for a single upstream HTTP(S) endpoint.
// There is no failover or endpoint rotation; a Client only ever talks to
// one node.
type Client struct {
	url        string
	httpClient *http.Client
	requestID  atomic.Int64
}

// NewClient validates the upstream URL scheme (only http/https are
// accepted) and builds a Client against it.
func NewClient(rawURL string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream scheme %q: must be http or https", u.Scheme)
	}

	return &Client{
		url: rawURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// NextID returns the next id for a request the proxy itself constructs,
// e.g. an eth_sendRawTransaction re-synthesized from eth_sendTransaction.
func (c *Client) NextID() ID {
	return NumberID(c.requestID.Add(1))
}

// Call builds and issues a single JSON-RPC request for the named method.
// Positional parameters passed here are promoted to an array, matching
// upstream Ethereum nodes which mandate array params.
func (c *Client) Call(ctx context.Context, method string, params ...json.RawMessage) (Response, error) {
	req := Request{
		Method: method,
		Params: ArrayParams(params...),
		ID:     c.NextID(),
	}
	return c.Execute(ctx, req)
}

// Execute issues a single JSON-RPC request and returns its response.
// Network or JSON-level failures are returned as an error; a server-side
// JSON-RPC error is carried inside the returned Response, not as an error.
func (c *Client) Execute(ctx context.Context, req Request) (Response, error) {
	var resp Response
	if err := c.post(ctx, req, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// ExecuteMany issues a batch of JSON-RPC requests in one HTTP round trip.
// It returns exactly len(reqs) responses, reordered to positionally match
// the input requests by id; a mismatched response count or an id that
// doesn't appear in the request set is a transport failure.
func (c *Client) ExecuteMany(ctx context.Context, reqs []Request) ([]Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	var raw []Response
	if err := c.post(ctx, reqs, &raw); err != nil {
		return nil, err
	}
	if len(raw) != len(reqs) {
		return nil, fmt.Errorf("upstream returned %d responses for %d requests", len(raw), len(reqs))
	}

	byID := make(map[string]Response, len(raw))
	for _, r := range raw {
		byID[idKey(r.ID)] = r
	}

	ordered := make([]Response, len(reqs))
	for i, req := range reqs {
		r, ok := byID[idKey(req.ID)]
		if !ok {
			return nil, fmt.Errorf("upstream response missing id %v", req.ID)
		}
		ordered[i] = r
	}
	return ordered, nil
}

func idKey(id ID) string {
	switch {
	case id.Null:
		return "null"
	case id.IsStr:
		return "s:" + id.Str
	default:
		return "n:" + id.Num.String()
	}
}

func (c *Client) post(ctx context.Context, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("reading http response: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding json response: %w", err)
	}
	return nil
}
