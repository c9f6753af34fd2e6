// Package update implements C12: query the release feed, decide whether
// a newer build exists for the running platform and channel, download
// and atomically install it, then exit so a process supervisor restarts
// the binary. Grounded on the teacher's ota.go (blang/semver comparison,
// minio/selfupdate apply-with-rollback). Only the running binary is
// replaced; no other file of a release archive is installed.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/blang/semver"
	"github.com/minio/selfupdate"

	"github.com/lieyanc/FireFrp/internal/version"
)

const (
	feedTimeout     = 15 * time.Second
	downloadTimeout = 120 * time.Second
)

// markerFileName is written under dataDir right before exiting, and
// inspected again on the next startup (spec §4.12 / §6: "post-update
// marker").
const markerFileName = ".just_updated"

// release is one entry of the upstream feed.
type release struct {
	Version string            `json:"version"`
	Channel string            `json:"channel"`
	Assets  map[string]string `json:"assets"` // "<GOOS>-<GOARCH>" -> download URL
}

// Service checks for and applies updates.
type Service struct {
	feedURL    string
	dataDir    string
	binaryPath string
	http       *http.Client
}

// New constructs a Service. binaryPath is the currently-running
// executable's path, the sole member of the replace allow-list.
func New(feedURL, dataDir, binaryPath string) *Service {
	return &Service{
		feedURL:    feedURL,
		dataDir:    dataDir,
		binaryPath: binaryPath,
		http:       &http.Client{},
	}
}

// CheckAndApply queries the feed, and if a newer release exists for
// channel and the current platform, downloads and installs it, then
// exits the process. progress receives human-readable status lines
// suitable for relaying to chat. Returns only if no update was applied.
func (s *Service) CheckAndApply(ctx context.Context, channel string, progress func(string)) {
	if progress == nil {
		progress = func(string) {}
	}

	progress("checking for updates...")
	rel, err := s.pickRelease(ctx, channel)
	if err != nil {
		progress(fmt.Sprintf("update check failed: %v", err))
		return
	}
	if rel == nil {
		progress("already up to date")
		return
	}

	platform := fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
	assetURL, ok := rel.Assets[platform]
	if !ok {
		progress(fmt.Sprintf("no build published for %s", platform))
		return
	}

	progress(fmt.Sprintf("downloading %s...", rel.Version))
	if err := s.downloadAndApply(ctx, assetURL); err != nil {
		progress(fmt.Sprintf("update failed: %v", err))
		return
	}

	if err := s.writeMarker(rel.Version); err != nil {
		slog.Warn("update: failed to write marker", "err", err)
	}

	progress(fmt.Sprintf("updated to %s, restarting", rel.Version))
	os.Exit(0)
}

// pickRelease fetches the feed and returns the newest release matching
// channel that is newer than the running version, or nil if none
// qualifies. "auto" matches the running version's own channel, inferred
// from its prerelease tag (spec §4.12: "auto -> by current version
// prefix").
func (s *Service) pickRelease(ctx context.Context, channel string) (*release, error) {
	ctx, cancel := context.WithTimeout(ctx, feedTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release feed returned %s", resp.Status)
	}

	var releases []release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("decoding release feed: %w", err)
	}

	current, err := semver.Make(version.Current)
	if err != nil {
		return nil, fmt.Errorf("invalid running version %q: %w", version.Current, err)
	}
	effective := effectiveChannel(channel, current)

	var best *release
	var bestVer semver.Version
	for i := range releases {
		r := &releases[i]
		if r.Channel != effective {
			continue
		}
		v, err := semver.Make(r.Version)
		if err != nil {
			continue
		}
		if !v.GT(current) {
			continue
		}
		if best == nil || v.GT(bestVer) {
			best = r
			bestVer = v
		}
	}
	return best, nil
}

// effectiveChannel resolves "auto" to the channel implied by the running
// version's prerelease tag (e.g. "1.2.0-dev" -> "dev"); anything else is
// "stable".
func effectiveChannel(channel string, current semver.Version) string {
	if channel != "auto" {
		return channel
	}
	for _, p := range current.Pre {
		if p.VersionStr != "" {
			return p.VersionStr
		}
	}
	return "stable"
}

func (s *Service) downloadAndApply(ctx context.Context, assetURL string) error {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("asset download returned %s", resp.Status)
	}

	binary, err := extractBinary(resp.Body, assetURL)
	if err != nil {
		return err
	}
	defer binary.Close()
	if f, ok := binary.(*os.File); ok {
		defer os.Remove(f.Name())
	}

	// selfupdate.Apply writes to a sibling temp file and renames over
	// target, preserving permissions and rolling back automatically on
	// failure — the same apply-with-rollback path the teacher's ota.go
	// uses for its single-binary swap.
	return selfupdate.Apply(binary, selfupdate.Options{TargetPath: s.binaryPath})
}

// extractBinary pulls the firefrp executable out of a downloaded
// archive, or treats the body as the raw binary if the URL has no
// recognised archive extension.
func extractBinary(body io.Reader, assetURL string) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(assetURL, ".tar.gz"), strings.HasSuffix(assetURL, ".tgz"):
		return extractFromTarGz(body)
	case strings.HasSuffix(assetURL, ".zip"):
		buf, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		return extractFromZip(buf)
	default:
		return bufferToTempFile(body)
	}
}

func (s *Service) markerPath() string {
	return filepath.Join(s.dataDir, markerFileName)
}

func (s *Service) writeMarker(newVersion string) error {
	tmp := s.markerPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(newVersion+"\n"), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.markerPath())
}

// ProcessMarker inspects the post-update marker left by a prior
// CheckAndApply, per spec §4.14 step 9 / §4.12's final sentence. If the
// marker's version matches the running version, onUpdated is called
// (typically to broadcast a notification) and the marker is deleted; if
// it doesn't match, the marker is treated as stale: it is deleted without
// calling onUpdated, and a warning is logged.
func (s *Service) ProcessMarker(onUpdated func(newVersion string)) {
	data, err := os.ReadFile(s.markerPath())
	if err != nil {
		return
	}
	defer os.Remove(s.markerPath())

	markedVersion := strings.TrimSpace(string(data))
	if markedVersion == version.Current {
		if onUpdated != nil {
			onUpdated(markedVersion)
		}
	} else {
		slog.Warn("update: stale marker found, discarding", "marker_version", markedVersion, "running_version", version.Current)
	}
}
