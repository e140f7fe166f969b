package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var zipMagic = []byte("PK\x03\x04")

// Cache succeeds when a non-empty artifact is already on disk.
type Cache struct{}

func (Cache) Name() string { return "cache" }

func (Cache) Fetch(_ context.Context, dest string) error {
	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("no cached model: %w", err)
	}
	if info.IsDir() || info.Size() == 0 {
		return fmt.Errorf("cached model %s is empty", dest)
	}
	return nil
}

// Download fetches URL over HTTP. A zip payload is unpacked.
type Download struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
	installer
}

func (d *Download) Name() string { return "download" }

func (d *Download) Fetch(ctx context.Context, dest string) error {
	if d.URL == "" {
		return fmt.Errorf("no model url configured")
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("download returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	tmp, err := tempFile(dest)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return d.install(tmp.Name(), dest)
}

// Command runs an external download tool such as curl or gdown. The
// placeholders {url}, {mirror} and {dest} in Args are substituted before
// running.
type Command struct {
	Args    []string
	URL     string
	Mirror  string
	Timeout time.Duration
	installer
}

func (c *Command) Name() string {
	if len(c.Args) > 0 {
		return "command:" + filepath.Base(c.Args[0])
	}
	return "command"
}

func (c *Command) Fetch(ctx context.Context, dest string) error {
	if len(c.Args) == 0 {
		return fmt.Errorf("no fetch command configured")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	tmp, err := tempFile(dest)
	if err != nil {
		return err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		a = strings.ReplaceAll(a, "{url}", c.URL)
		a = strings.ReplaceAll(a, "{mirror}", c.Mirror)
		args[i] = strings.ReplaceAll(a, "{dest}", tmp.Name())
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return c.install(tmp.Name(), dest)
}

// installer moves a downloaded file into place, unpacking zip archives.
type installer struct {
	// member selects the archive entry holding the model; empty means the first *.onnx entry.
	member string
	// metadataDest receives a model_metadata.json found in the archive.
	metadataDest string
}

func (in installer) install(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("downloaded file is empty")
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	head := make([]byte, len(zipMagic))
	_, err = io.ReadFull(f, head)
	f.Close()
	if err != nil || !bytes.Equal(head, zipMagic) {
		return os.Rename(src, dest)
	}
	return in.extract(src, dest)
}

func (in installer) extract(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	var model, meta *zip.File
	for _, f := range r.File {
		name := filepath.Base(f.Name)
		switch {
		case f.FileInfo().IsDir():
		case in.member != "" && (f.Name == in.member || name == in.member):
			model = f
		case in.member == "" && model == nil && strings.HasSuffix(name, ".onnx"):
			model = f
		case name == "model_metadata.json":
			meta = f
		}
	}
	if model == nil {
		return fmt.Errorf("archive has no model entry")
	}

	if err := writeEntry(model, dest); err != nil {
		return err
	}
	if meta != nil && in.metadataDest != "" {
		if err := writeEntry(meta, in.metadataDest); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	tmp, err := tempFile(dest)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// tempFile creates a scratch file next to dest so the final rename stays on one filesystem.
func tempFile(dest string) (*os.File, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return f, nil
}
