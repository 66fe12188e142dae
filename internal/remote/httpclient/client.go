// Package httpclient talks to a calsync sync server over JSON/HTTP.
//
// The account is carried by the bearer token: the server partitions by the
// token's subject, so the accountID arguments are not sent on the wire.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/calsync/internal/remote"
)

const defaultTimeout = 12 * time.Second

// Client implements remote.Remote against the sync server routes:
//
//	PUT    /v1/{table}/{id}
//	DELETE /v1/{table}/{id}?updated_at=N
//	GET    /v1/{table}?since=CURSOR&limit=N
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

var _ remote.Remote = (*Client)(nil)

// Upsert sends rec to the server.
func (c *Client) Upsert(ctx context.Context, _ string, table string, rec remote.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", table, rec.ID, err)
	}
	_, err = c.do(ctx, http.MethodPut, c.path(table, rec.ID), nil, payload)
	return err
}

// Delete sends a tombstone for id.
func (c *Client) Delete(ctx context.Context, _ string, table, id string, updatedAt int64) error {
	q := url.Values{"updated_at": {strconv.FormatInt(updatedAt, 10)}}
	_, err := c.do(ctx, http.MethodDelete, c.path(table, id), q, nil)
	return err
}

// Pull fetches one page of changes.
func (c *Client) Pull(ctx context.Context, _ string, table, cursor string, limit int) (remote.Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("since", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.do(ctx, http.MethodGet, c.path(table, ""), q, nil)
	if err != nil {
		return remote.Page{}, err
	}
	var page remote.Page
	if err := json.Unmarshal(body, &page); err != nil {
		return remote.Page{}, fmt.Errorf("decode pull %s: %w", table, err)
	}
	if page.Records == nil {
		page.Records = []remote.Record{}
	}
	return page, nil
}

func (c *Client) path(table, id string) string {
	p := "/v1/" + url.PathEscape(table)
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: no server url configured", remote.ErrUnavailable)
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	target := baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create sync request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read sync response: %v", remote.ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &apiErr)
		if apiErr.Error != "" {
			return nil, fmt.Errorf("sync %s %s failed with status %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("sync %s %s failed with status %d", method, path, resp.StatusCode)
	}
	return body, nil
}
