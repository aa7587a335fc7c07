package main

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
)

// controlClient talks to the gateway's /internal/v1 API.
type controlClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newControlClient(baseURL, token string) *controlClient {
	return &controlClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *controlClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/internal/v1"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Control-Plane-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error.Message, apiErr.Error.Code)
		}
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *controlClient) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

func (c *controlClient) ListTenants(ctx context.Context) ([]map[string]any, error) {
	var out struct {
		Tenants []map[string]any `json:"tenants"`
	}
	err := c.do(ctx, http.MethodGet, "/tenants", nil, &out)
	return out.Tenants, err
}

func (c *controlClient) GetTenant(ctx context.Context, tenantID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/tenants/"+url.PathEscape(tenantID), nil, &out)
	return out, err
}

func (c *controlClient) CreateTenant(ctx context.Context, tenantID, displayName string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/tenants/"+url.PathEscape(tenantID),
		map[string]string{"displayName": displayName}, &out)
	return out, err
}

func (c *controlClient) RotateTenant(ctx context.Context, tenantID string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/tenants/"+url.PathEscape(tenantID)+"/rotate", nil, &out)
	return out.Token, err
}

func (c *controlClient) RemoveTenant(ctx context.Context, tenantID string, deleteData bool) error {
	path := "/tenants/" + url.PathEscape(tenantID)
	if deleteData {
		path += "?deleteData=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *controlClient) BackupTenant(ctx context.Context, tenantID string) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	err := c.do(ctx, http.MethodPost, "/tenants/"+url.PathEscape(tenantID)+"/backup", nil, &out)
	return out.Key, err
}

func (c *controlClient) ListBackups(ctx context.Context, tenantID string) ([]map[string]any, error) {
	var out struct {
		Backups []map[string]any `json:"backups"`
	}
	err := c.do(ctx, http.MethodGet, "/tenants/"+url.PathEscape(tenantID)+"/backups", nil, &out)
	return out.Backups, err
}

func (c *controlClient) RestoreTenant(ctx context.Context, tenantID, key string, createMissing bool) error {
	return c.do(ctx, http.MethodPost, "/tenants/"+url.PathEscape(tenantID)+"/restore",
		map[string]any{"key": key, "createMissing": createMissing}, nil)
}
