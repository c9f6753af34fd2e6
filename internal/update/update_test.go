package update

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/blang/semver"

	"github.com/lieyanc/FireFrp/internal/version"
)

func TestEffectiveChannel_AutoFollowsRunningPrerelease(t *testing.T) {
	v := semver.MustParse("1.2.0-dev")
	if got := effectiveChannel("auto", v); got != "dev" {
		t.Fatalf("expected dev, got %s", got)
	}
}

func TestEffectiveChannel_AutoDefaultsToStable(t *testing.T) {
	v := semver.MustParse("1.2.0")
	if got := effectiveChannel("auto", v); got != "stable" {
		t.Fatalf("expected stable, got %s", got)
	}
}

func TestEffectiveChannel_ExplicitPassthrough(t *testing.T) {
	v := semver.MustParse("1.2.0")
	if got := effectiveChannel("dev", v); got != "dev" {
		t.Fatalf("expected dev, got %s", got)
	}
}

func TestPickRelease_SkipsOlderAndOtherChannels(t *testing.T) {
	original := version.Current
	version.Current = "1.0.0"
	defer func() { version.Current = original }()

	releases := []release{
		{Version: "0.9.0", Channel: "stable", Assets: map[string]string{}},
		{Version: "1.0.0", Channel: "stable", Assets: map[string]string{}},
		{Version: "1.1.0", Channel: "dev", Assets: map[string]string{}},
		{Version: "1.2.0", Channel: "stable", Assets: map[string]string{}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(releases)
	}))
	defer srv.Close()

	svc := New(srv.URL, t.TempDir(), "/tmp/firefrp")
	rel, err := svc.pickRelease(context.Background(), "stable")
	if err != nil {
		t.Fatalf("pickRelease: %v", err)
	}
	if rel == nil || rel.Version != "1.2.0" {
		t.Fatalf("expected 1.2.0, got %+v", rel)
	}
}

func TestPickRelease_NoneNewerReturnsNil(t *testing.T) {
	original := version.Current
	version.Current = "2.0.0"
	defer func() { version.Current = original }()

	releases := []release{{Version: "1.0.0", Channel: "stable", Assets: map[string]string{}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(releases)
	}))
	defer srv.Close()

	svc := New(srv.URL, t.TempDir(), "/tmp/firefrp")
	rel, err := svc.pickRelease(context.Background(), "stable")
	if err != nil {
		t.Fatalf("pickRelease: %v", err)
	}
	if rel != nil {
		t.Fatalf("expected no newer release, got %+v", rel)
	}
}

func TestProcessMarker_MatchingVersionFiresCallback(t *testing.T) {
	dir := t.TempDir()
	svc := New("", dir, "/tmp/firefrp")
	os.WriteFile(filepath.Join(dir, markerFileName), []byte(version.Current+"\n"), 0o600)

	var called string
	svc.ProcessMarker(func(v string) { called = v })
	if called != version.Current {
		t.Fatalf("expected callback with %s, got %s", version.Current, called)
	}
	if _, err := os.Stat(filepath.Join(dir, markerFileName)); !os.IsNotExist(err) {
		t.Fatal("expected marker to be deleted")
	}
}

func TestProcessMarker_StaleVersionSkipsCallback(t *testing.T) {
	dir := t.TempDir()
	svc := New("", dir, "/tmp/firefrp")
	os.WriteFile(filepath.Join(dir, markerFileName), []byte("0.0.1\n"), 0o600)

	called := false
	svc.ProcessMarker(func(v string) { called = true })
	if called {
		t.Fatal("expected no callback for stale marker")
	}
}

func TestProcessMarker_AbsentMarkerIsNoop(t *testing.T) {
	svc := New("", t.TempDir(), "/tmp/firefrp")
	svc.ProcessMarker(func(v string) { t.Fatal("should not be called") })
}

func TestExtractFromTarGz_FindsNamedBinary(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("fake binary contents")
	name := binaryAssetName()
	if runtime.GOOS == "windows" {
		name = "firefrp.exe"
	}
	tw.WriteHeader(&tar.Header{Name: "firefrp_1.0.0/" + name, Size: int64(len(content)), Mode: 0o755})
	tw.Write(content)
	tw.Close()
	gz.Close()

	f, err := extractFromTarGz(&buf)
	if err != nil {
		t.Fatalf("extractFromTarGz: %v", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	got, _ := os.ReadFile(f.Name())
	if strings.TrimSpace(string(got)) != string(content) {
		t.Fatalf("unexpected extracted content: %q", got)
	}
}
