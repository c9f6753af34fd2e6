package frps

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/lieyanc/FireFrp/internal/errs"
	"github.com/lieyanc/FireFrp/internal/platform/executil"
)

const opEnsureBinary errs.Op = "frps.ensureBinary"

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "frps.exe"
	}
	return "frps"
}

// archiveExt picks the archive format frp publishes per OS: zip on
// Windows, tar.gz elsewhere (spec §6.5).
func archiveExt() string {
	if runtime.GOOS == "windows" {
		return "zip"
	}
	return "tar.gz"
}

// archiveURL renders the download URL pattern of spec §6.5.
func archiveURL(version string) string {
	return fmt.Sprintf(
		"https://github.com/fatedier/frp/releases/download/v%s/frp_%s_%s_%s.%s",
		version, version, runtime.GOOS, runtime.GOARCH, archiveExt(),
	)
}

// binaryPath returns the provisioned binary's location under dataDir
// (<root>/bin/frps[.exe], spec §6.6's path table).
func binaryPath(dataDir string) string {
	return filepath.Join(dataDir, "bin", binaryName())
}

// ensureBinary guarantees the frps binary at binaryPath(dataDir) exists
// and reports the pinned version (spec §4.7's ensureBinary). runner is
// used to invoke `--version` on any already-installed binary.
func ensureBinary(dataDir, version string, runner executil.Runner) (string, error) {
	path := binaryPath(dataDir)

	if installedVersion, err := checkVersion(path, runner); err == nil && installedVersion == version {
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", errs.E(opEnsureBinary, errs.KindIO, err, "could not create bin directory")
	}

	if err := downloadAndExtract(version, path); err != nil {
		return "", errs.E(opEnsureBinary, errs.KindIO, err, "could not provision frps binary")
	}

	if err := os.Chmod(path, 0o700); err != nil {
		return "", errs.E(opEnsureBinary, errs.KindIO, err, "could not make frps binary executable")
	}
	return path, nil
}

func checkVersion(path string, runner executil.Runner) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	out, err := runner.Output(path, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func downloadAndExtract(version, destPath string) error {
	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Get(archiveURL(version))
	if err != nil {
		return fmt.Errorf("downloading frps archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading frps archive: unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp("", "firefrp-frps-archive-*")
	if err != nil {
		return fmt.Errorf("creating temp archive file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return fmt.Errorf("buffering archive to disk: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if archiveExt() == "zip" {
		return extractFromZip(tmp.Name(), destPath)
	}
	return extractFromTarGz(tmp, destPath)
}

// extractFromTarGz pulls the frps binary out of the archive's top-level
// directory (spec §6.5: "Extract frps[.exe] from the archive's
// top-level directory").
func extractFromTarGz(r io.Reader, destPath string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("frps binary not found in archive")
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}
		if filepath.Base(hdr.Name) != binaryName() {
			continue
		}
		out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o700)
		if err != nil {
			return err
		}
		defer out.Close()
		if _, err := io.Copy(out, tr); err != nil {
			return fmt.Errorf("writing extracted binary: %w", err)
		}
		return nil
	}
}

func extractFromZip(archivePath, destPath string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening zip archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if filepath.Base(f.Name) != binaryName() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()

		out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o700)
		if err != nil {
			return err
		}
		defer out.Close()
		if _, err := io.Copy(out, rc); err != nil {
			return fmt.Errorf("writing extracted binary: %w", err)
		}
		return nil
	}
	return fmt.Errorf("frps binary not found in archive")
}
