package frps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lieyanc/FireFrp/internal/config"
)

// AdminClient queries the frps admin HTTP API (spec §4.7's "Admin-API
// client"). Every call uses a 2s deadline per spec §5's cancellation
// table.
type AdminClient struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
}

func newAdminClient(cfg config.FrpsConfig) *AdminClient {
	return &AdminClient{
		baseURL:  fmt.Sprintf("http://%s:%d", cfg.AdminAddr, cfg.AdminPort),
		user:     cfg.AdminUser,
		password: cfg.AdminPassword,
		http:     &http.Client{Timeout: 2 * time.Second},
	}
}

func (c *AdminClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("frps admin API %s: unexpected status %s", path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ServerInfo mirrors the subset of frps's /api/serverinfo response
// FireFrp surfaces through the bot's "server" command.
type ServerInfo struct {
	Version        string `json:"version"`
	BindPort       int    `json:"bindPort"`
	TotalTrafficIn int64  `json:"totalTrafficIn"`
	TotalTrafficOut int64 `json:"totalTrafficOut"`
	ClientCounts   int    `json:"clientCounts"`
	CurConns       int    `json:"curConns"`
}

func (c *AdminClient) ServerInfo(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	err := c.get(ctx, "/api/serverinfo", &info)
	return info, err
}

// ProxyStats mirrors one row of /api/proxy/tcp.
type ProxyStats struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	TodayTrafficIn  int64 `json:"todayTrafficIn"`
	TodayTrafficOut int64 `json:"todayTrafficOut"`
	CurConns   int    `json:"curConns"`
}

type proxyListResponse struct {
	Proxies []ProxyStats `json:"proxies"`
}

func (c *AdminClient) ListTCPProxies(ctx context.Context) ([]ProxyStats, error) {
	var resp proxyListResponse
	if err := c.get(ctx, "/api/proxy/tcp", &resp); err != nil {
		return nil, err
	}
	return resp.Proxies, nil
}

func (c *AdminClient) GetTCPProxy(ctx context.Context, name string) (ProxyStats, error) {
	var p ProxyStats
	err := c.get(ctx, "/api/proxy/tcp/"+name, &p)
	return p, err
}

// TrafficStats mirrors /api/traffic/:name.
type TrafficStats struct {
	Name        string  `json:"name"`
	TrafficIn   []int64 `json:"trafficIn"`
	TrafficOut  []int64 `json:"trafficOut"`
}

func (c *AdminClient) Traffic(ctx context.Context, name string) (TrafficStats, error) {
	var t TrafficStats
	err := c.get(ctx, "/api/traffic/"+name, &t)
	return t, err
}
