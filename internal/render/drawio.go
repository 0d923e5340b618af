package render

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nbrelay/nbrelay/internal/log"
)

// Drawio renders draw.io XML through the drawio desktop CLI. The CLI only
// works file-to-file, so every render round-trips through a temp directory.
type Drawio struct {
	bin     string
	timeout time.Duration
	grace   time.Duration
	logger  *slog.Logger
}

// NewDrawio creates a Drawio renderer around the given binary.
func NewDrawio(bin string, timeout, grace time.Duration) *Drawio {
	return &Drawio{
		bin:     bin,
		timeout: timeout,
		grace:   grace,
		logger:  log.WithComponent("render").With("renderer", "drawio"),
	}
}

// Render writes the payload to a temp file, exports it, and reads the result
// back. The headless CLI needs an X display; when none is set we point it at
// the virtual framebuffer the deployment runs.
func (d *Drawio) Render(ctx context.Context, payload []byte, format string) ([]byte, string, error) {
	mimeType, err := mimeFor(format)
	if err != nil {
		return nil, "", err
	}

	dir, err := os.MkdirTemp("", "nbrelay-drawio-*")
	if err != nil {
		return nil, "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "diagram.drawio")
	out := filepath.Join(dir, "diagram."+format)
	if err := os.WriteFile(in, payload, 0o600); err != nil {
		return nil, "", fmt.Errorf("write input: %w", err)
	}

	args := []string{"--no-sandbox", "--export", in, "--format", format, "--output", out, "--border", "20"}
	switch format {
	case "png":
		args = append(args, "--scale", "3")
	case "svg":
		args = append(args, "--embed-svg-images")
	}

	env := os.Environ()
	if os.Getenv("DISPLAY") == "" {
		env = append(env, "DISPLAY=:99")
	}

	if _, stderr, err := runConverter(d.bin, args, env, nil, d.timeout, d.grace, d.logger); err != nil {
		return nil, "", fmt.Errorf("drawio export: %w (stderr: %s)", err, stderr)
	}

	artifact, err := os.ReadFile(out)
	if err != nil {
		// The CLI exits zero on some malformed inputs without producing a
		// file. Treat the missing output as a conversion failure.
		return nil, "", fmt.Errorf("drawio produced no output for format %s: %w", format, err)
	}
	if len(artifact) == 0 {
		return nil, "", fmt.Errorf("drawio produced an empty %s artifact", format)
	}
	return artifact, mimeType, nil
}
