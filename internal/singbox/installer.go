package singbox

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const releaseURL = "https://api.github.com/repos/SagerNet/sing-box/releases/latest"

// Installer downloads the latest sing-box release for the current platform.
type Installer struct {
	dir    string
	client *http.Client
}

func NewInstaller(dir string) *Installer {
	return &Installer{
		dir:    dir,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

// BinPath is where the installed binary lives.
func (i *Installer) BinPath() string {
	return filepath.Join(i.dir, "sing-box")
}

func (i *Installer) Installed() bool {
	st, err := os.Stat(i.BinPath())
	return err == nil && !st.IsDir()
}

type releaseInfo struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// InstallLatest fetches the latest release, picks the linux/darwin tar.gz
// asset matching GOOS/GOARCH, and extracts the sing-box binary into the
// install directory. Returns the release version.
func (i *Installer) InstallLatest(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releaseURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query latest release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("query latest release: HTTP %d", resp.StatusCode)
	}

	var release releaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", fmt.Errorf("parse release metadata: %w", err)
	}

	version := strings.TrimPrefix(release.TagName, "v")
	want := fmt.Sprintf("sing-box-%s-%s-%s.tar.gz", version, runtime.GOOS, runtime.GOARCH)
	var assetURL string
	for _, a := range release.Assets {
		if a.Name == want {
			assetURL = a.BrowserDownloadURL
			break
		}
	}
	if assetURL == "" {
		return "", fmt.Errorf("no release asset %q for %s/%s", want, runtime.GOOS, runtime.GOARCH)
	}

	if err := i.downloadAndExtract(ctx, assetURL); err != nil {
		return "", err
	}
	return release.TagName, nil
}

func (i *Installer) downloadAndExtract(ctx context.Context, assetURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("download release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download release: HTTP %d", resp.StatusCode)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || filepath.Base(hdr.Name) != "sing-box" {
			continue
		}
		return i.writeBinary(tr)
	}
	return fmt.Errorf("archive has no sing-box binary")
}

func (i *Installer) writeBinary(r io.Reader) error {
	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return err
	}
	tmp := i.BinPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write binary: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, i.BinPath())
}
