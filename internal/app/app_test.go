package app

import (
	"testing"

	"github.com/lieyanc/FireFrp/internal/config"
)

func TestNew_WiresEveryComponentWithoutError(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.ServerPort = 0 // let the OS pick a free port if this ever binds

	a, err := New(cfg, ConfigPath(dir), "/tmp/firefrp")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.svc == nil || a.transport == nil || a.dispatcher == nil || a.supervisor == nil || a.clientAPI == nil || a.motd == nil {
		t.Fatal("expected every component to be wired")
	}
}

func TestConfigPath_JoinsDataDir(t *testing.T) {
	got := ConfigPath("/var/lib/firefrp")
	if got != "/var/lib/firefrp/config.json" {
		t.Fatalf("unexpected path: %s", got)
	}
}
