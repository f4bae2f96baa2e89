// Package source talks to the system of record over HTTP. It backs
// the cache manager's miss-path loads and writes, and serves the
// reconciler as the authoritative reading. The engine works without it
// when no administrative service is configured.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/activity"
	"github.com/adred-codev/seckill/internal/cache"
	"github.com/adred-codev/seckill/internal/types"
)

// Client is the HTTP adapter. It implements cache.SourceLoader,
// cache.SourceWriter, and reconcile.DataLoader.
type Client struct {
	base   string
	hc     *http.Client
	logger zerolog.Logger
}

func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		base:   baseURL,
		hc:     &http.Client{Timeout: 3 * time.Second},
		logger: logger.With().Str("component", "source").Logger(),
	}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, "build source request", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, "source request", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NewError(types.CodeNotFound, "not found at source: "+path)
	case resp.StatusCode != http.StatusOK:
		return nil, types.NewError(types.CodeInternal,
			fmt.Sprintf("source returned %d for %s", resp.StatusCode, path))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, "read source response", err)
	}
	return body, nil
}

func (c *Client) put(ctx context.Context, path string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.WrapError(types.CodeInternal, "encode source payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return types.WrapError(types.CodeInternal, "build source request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return types.WrapError(types.CodeInternal, "source request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.NewError(types.CodeInternal,
			fmt.Sprintf("source returned %d for %s", resp.StatusCode, path))
	}
	return nil
}

// LoadActivity fetches the authoritative activity record.
func (c *Client) LoadActivity(ctx context.Context, activityID string) (*activity.Activity, error) {
	body, err := c.get(ctx, "/activities/"+activityID)
	if err != nil {
		return nil, err
	}
	var act activity.Activity
	if err := json.Unmarshal(body, &act); err != nil {
		return nil, types.WrapError(types.CodeInternal, "decode source activity", err)
	}
	return &act, nil
}

type stockPayload struct {
	Stock int64 `json:"stock"`
}

// LoadStock fetches the authoritative stock counter.
func (c *Client) LoadStock(ctx context.Context, activityID string) (int64, error) {
	body, err := c.get(ctx, "/activities/"+activityID+"/stock")
	if err != nil {
		return 0, err
	}
	var p stockPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return 0, types.WrapError(types.CodeInternal, "decode source stock", err)
	}
	return p.Stock, nil
}

// WriteActivity persists an activity snapshot.
func (c *Client) WriteActivity(ctx context.Context, act *activity.Activity) error {
	return c.put(ctx, "/activities/"+act.ID, act)
}

// WriteStock persists the stock counter.
func (c *Client) WriteStock(ctx context.Context, activityID string, stock int64) error {
	return c.put(ctx, "/activities/"+activityID+"/stock", stockPayload{Stock: stock})
}

// Load resolves a hot-store key to its authoritative value, for the
// reconciler. Stock keys resolve to the decimal counter, activity keys
// to the raw JSON snapshot.
func (c *Client) Load(ctx context.Context, key string) (string, error) {
	if id, ok := cache.ParseStockKey(key); ok {
		n, err := c.LoadStock(ctx, id)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	}
	if id, ok := cache.ParseActivityKey(key); ok {
		body, err := c.get(ctx, "/activities/"+id)
		if err != nil {
			return "", err
		}
		return string(body), nil
	}
	return "", types.NewError(types.CodeInvalidParameter, "unrecognised key: "+key)
}
