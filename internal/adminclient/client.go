// Package adminclient is the thin HTTP client bridgetop uses to poll a
// bridge instance's admin surface (spec §9 operator visibility).
package adminclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pagebridge/bridge/internal/admin"
	"github.com/pagebridge/bridge/internal/config"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

func (c *Client) Status(ctx context.Context) (admin.Status, error) {
	var out admin.Status
	req, err := c.newRequest(ctx, http.MethodGet, "/admin/status")
	if err != nil {
		return out, err
	}
	err = c.doJSON(req, &out)
	return out, err
}

func (c *Client) ListPeers(ctx context.Context) ([]admin.PeerInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/admin/peers")
	if err != nil {
		return nil, err
	}
	var out []admin.PeerInfo
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]admin.SessionInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/admin/sessions")
	if err != nil {
		return nil, err
	}
	var out []admin.SessionInfo
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DisconnectPeer(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/admin/peers/disconnect?id="+url.QueryEscape(id))
	if err != nil {
		return err
	}
	return c.doNoBody(req)
}

func (c *Client) Config(ctx context.Context) (config.Settings, error) {
	var out config.Settings
	req, err := c.newRequest(ctx, http.MethodGet, "/admin/config")
	if err != nil {
		return out, err
	}
	err = c.doJSON(req, &out)
	return out, err
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("admin request failed: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}

func (c *Client) doNoBody(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("admin request failed: %s", resp.Status)
	}
	return nil
}
