package update

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// binaryAssetName is the name the firefrp executable is expected to
// carry inside a release archive, mirroring frps.binaryName's
// Windows-suffix convention.
func binaryAssetName() string {
	if runtime.GOOS == "windows" {
		return "firefrp.exe"
	}
	return "firefrp"
}

// extractFromTarGz pulls the firefrp binary out of a .tar.gz stream into
// a fresh temp file, rewound and ready for selfupdate.Apply to consume.
func extractFromTarGz(r io.Reader) (*os.File, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("binary not found in archive")
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar entry: %w", err)
		}
		if filepath.Base(hdr.Name) != binaryAssetName() {
			continue
		}
		return bufferToTempFile(tr)
	}
}

func extractFromZip(archiveBytes []byte) (*os.File, error) {
	zr, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	if err != nil {
		return nil, fmt.Errorf("opening zip archive: %w", err)
	}
	for _, f := range zr.File {
		if filepath.Base(f.Name) != binaryAssetName() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return bufferToTempFile(rc)
	}
	return nil, fmt.Errorf("binary not found in archive")
}

func bufferToTempFile(r io.Reader) (*os.File, error) {
	tmp, err := os.CreateTemp("", "firefrp-update-*")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("buffering extracted binary: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return tmp, nil
}
