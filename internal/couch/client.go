// Package couch is a minimal client for the CouchDB-compatible document
// store the gateway fronts. It always speaks with the store's own service
// credential; caller credentials never reach the store.
package couch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError carries a non-2xx answer from the store.
type StatusError struct {
	Status int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("couch: status %d", e.Status)
	}
	return fmt.Sprintf("couch: status %d: %s", e.Status, e.Reason)
}

// IsStatus reports whether err is a store error with the given status code.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// Client talks to one store instance under a fixed base URL.
type Client struct {
	baseURL    *url.URL
	credential string
	httpc      *http.Client
}

// NewClient builds a client for the store at baseURL, authenticating every
// request with Basic credentials for the given service account.
func NewClient(baseURL, username, password string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("couch: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("couch: invalid base url %q", baseURL)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return &Client{
		baseURL:    u,
		credential: "Basic " + basic,
		httpc:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// BaseURL returns a copy of the store base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Credential returns the Authorization header value for the service account.
func (c *Client) Credential() string {
	return c.credential
}

// Ping checks the store is reachable, for readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/_up", nil, nil)
}

// Get loads a document by id into out.
func (c *Client) Get(ctx context.Context, db, id string, out any) error {
	return c.do(ctx, http.MethodGet, "/"+url.PathEscape(db)+"/"+url.PathEscape(id), nil, out)
}

// Put writes a document under an explicit id. The document must carry the
// current _rev when updating; the store answers 409 otherwise.
func (c *Client) Put(ctx context.Context, db, id string, doc any) (rev string, err error) {
	var resp writeResponse
	if err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(db)+"/"+url.PathEscape(id), doc, &resp); err != nil {
		return "", err
	}
	return resp.Rev, nil
}

// Insert creates a document with a store-assigned id.
func (c *Client) Insert(ctx context.Context, db string, doc any) (id, rev string, err error) {
	var resp writeResponse
	if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(db), doc, &resp); err != nil {
		return "", "", err
	}
	return resp.ID, resp.Rev, nil
}

// FindQuery is a selector-based query against one database.
type FindQuery struct {
	Selector map[string]any   `json:"selector"`
	Limit    int              `json:"limit,omitempty"`
	Sort     []map[string]any `json:"sort,omitempty"`
}

// Find runs a selector query and decodes the matched docs into out, which
// must be a pointer to a slice.
func (c *Client) Find(ctx context.Context, db string, query FindQuery, out any) error {
	var resp struct {
		Docs json.RawMessage `json:"docs"`
	}
	if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(db)+"/_find", query, &resp); err != nil {
		return err
	}
	if len(resp.Docs) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Docs, out)
}

type writeResponse struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("couch: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("couch: build request: %w", err)
	}
	req.Header.Set("Authorization", c.credential)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("couch: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&errBody)
		reason := errBody.Reason
		if reason == "" {
			reason = errBody.Error
		}
		return &StatusError{Status: resp.StatusCode, Reason: reason}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("couch: decode response: %w", err)
	}
	return nil
}
