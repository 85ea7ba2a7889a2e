package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/atomic"
)

const (
	defaultDialTimeout    = 4 * time.Second
	defaultRequestTimeout = 4 * time.Second
)

// client is a JSON-RPC client bound to a single endpoint.
type client struct {
	cli         *http.Client
	endpoint    *url.URL
	latestReqID *atomic.Uint64
}

func newClient(endpoint string, requestTimeout time.Duration) (*client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &client{
		cli: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: defaultDialTimeout,
				}).DialContext,
			},
			Timeout: requestTimeout,
		},
		endpoint:    u,
		latestReqID: atomic.NewUint64(0),
	}, nil
}

func (c *client) performRequest(ctx context.Context, method string, p any, v any) error {
	var r = Request{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  p,
		ID:      c.latestReqID.Inc(),
	}

	raw, err := c.makeHTTPRequest(ctx, &r)

	if raw != nil && raw.Error != nil {
		return raw.Error
	} else if err != nil {
		return err
	} else if raw == nil || raw.Result == nil {
		return errors.New("no result returned")
	}
	return json.Unmarshal(raw.Result, v)
}

func (c *client) makeHTTPRequest(ctx context.Context, r *Request) (*Response, error) {
	var (
		buf = new(bytes.Buffer)
		raw = new(Response)
	)

	if err := json.NewEncoder(buf).Encode(r); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.cli.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// The node might send us a proper JSON anyway, so look there first and if
	// it parses, it has more relevant data than HTTP error code.
	err = json.NewDecoder(resp.Body).Decode(raw)
	if err != nil {
		if resp.StatusCode != http.StatusOK {
			err = fmt.Errorf("HTTP %d/%s", resp.StatusCode, http.StatusText(resp.StatusCode))
		} else {
			err = fmt.Errorf("JSON decoding: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *client) close() {
	c.cli.CloseIdleConnections()
}
