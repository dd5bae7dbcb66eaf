package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketsync/internal/coordinator"
	"marketsync/internal/pricing"

	"github.com/shopspring/decimal"
)

// Client talks to market-api. AdminToken is sent as a bearer token on every
// request when set.
type Client struct {
	BaseURL    string
	AdminToken string
	HTTP       *http.Client
}

func NewClient(baseURL, adminToken string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AdminToken: strings.TrimSpace(adminToken),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type HealthReport struct {
	SyncEnabled bool                    `json:"sync_enabled"`
	Health      coordinator.Health      `json:"health"`
	Jobs        []coordinator.JobStatus `json:"jobs"`
}

type RebuildReport struct {
	Surfaces []string `json:"surfaces"`
}

func (c *Client) Quote(ctx context.Context, methodID int64, quantity decimal.Decimal, calcCtx map[string]any) (pricing.Result, error) {
	var out pricing.Result
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/quote", map[string]any{
		"method_id": methodID,
		"quantity":  quantity,
		"context":   calcCtx,
	}, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	var out HealthReport
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/health", nil, &out)
	return out, err
}

func (c *Client) Rebuild(ctx context.Context) (RebuildReport, error) {
	var out RebuildReport
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/rebuild", nil, &out)
	return out, err
}

func (c *Client) ReconcileSurface(ctx context.Context, surfaceKey string, force bool) error {
	path := "/v1/admin/surfaces/" + url.PathEscape(surfaceKey) + "/reconcile"
	if force {
		path += "?force=true"
	}
	return c.jsonRequest(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AdminToken)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, apiMessage(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiMessage pulls the "error" field out of an error body, falling back to
// the raw text.
func apiMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
