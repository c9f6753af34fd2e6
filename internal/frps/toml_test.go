package frps

import (
	"testing"

	"github.com/BurntSushi/toml"

	"github.com/lieyanc/FireFrp/internal/config"
)

// TestRenderConfig_RoundTripsEscapedSecrets is property P8 of the
// specification: a password containing TOML's five special characters
// must decode back to the exact original string.
func TestRenderConfig_RoundTripsEscapedSecrets(t *testing.T) {
	cfg := &config.Config{
		ServerPort:     7400,
		PortRangeStart: 20000,
		PortRangeEnd:   20100,
		Frps: config.FrpsConfig{
			BindAddr:      "0.0.0.0",
			BindPort:      7000,
			AuthToken:     "tok\"en\\with\nnewline\tand\rcr",
			AdminAddr:     "127.0.0.1",
			AdminPort:     7500,
			AdminUser:     "admin",
			AdminPassword: `p"a\s\word` + "\n\t\r",
		},
	}

	doc := renderConfig(cfg)

	var decoded struct {
		BindAddr string `toml:"bindAddr"`
		BindPort int    `toml:"bindPort"`
		Auth     struct {
			Method string `toml:"method"`
			Token  string `toml:"token"`
		} `toml:"auth"`
		WebServer struct {
			Addr     string `toml:"addr"`
			Port     int    `toml:"port"`
			User     string `toml:"user"`
			Password string `toml:"password"`
		} `toml:"webServer"`
		AllowPorts []struct {
			Start int `toml:"start"`
			End   int `toml:"end"`
		} `toml:"allowPorts"`
		MaxPortsPerClient int `toml:"maxPortsPerClient"`
		HTTPPlugins       []struct {
			Name string   `toml:"name"`
			Addr string   `toml:"addr"`
			Path string   `toml:"path"`
			Ops  []string `toml:"ops"`
		} `toml:"httpPlugins"`
	}

	if _, err := toml.Decode(doc, &decoded); err != nil {
		t.Fatalf("decoding generated TOML: %v\n--- document ---\n%s", err, doc)
	}

	if decoded.Auth.Token != cfg.Frps.AuthToken {
		t.Fatalf("token round-trip mismatch: got %q want %q", decoded.Auth.Token, cfg.Frps.AuthToken)
	}
	if decoded.WebServer.Password != cfg.Frps.AdminPassword {
		t.Fatalf("password round-trip mismatch: got %q want %q", decoded.WebServer.Password, cfg.Frps.AdminPassword)
	}
	if decoded.BindPort != 7000 || decoded.WebServer.Port != 7500 {
		t.Fatalf("unexpected port fields: %+v", decoded)
	}
	if len(decoded.AllowPorts) != 1 || decoded.AllowPorts[0].Start != 20000 || decoded.AllowPorts[0].End != 20100 {
		t.Fatalf("unexpected allowPorts: %+v", decoded.AllowPorts)
	}
	if decoded.MaxPortsPerClient != 1 {
		t.Fatalf("expected maxPortsPerClient=1, got %d", decoded.MaxPortsPerClient)
	}
	if len(decoded.HTTPPlugins) != 1 || decoded.HTTPPlugins[0].Path != "/frps-plugin/handler" {
		t.Fatalf("unexpected httpPlugins: %+v", decoded.HTTPPlugins)
	}
}
