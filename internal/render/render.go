// Package render turns diagram source text into image artifacts by driving
// external converter binaries.
package render

import (
	"context"
	"fmt"

	"github.com/nbrelay/nbrelay/internal/config"
	"github.com/nbrelay/nbrelay/internal/protocol"
)

// Renderer converts one diagram payload into an artifact.
type Renderer interface {
	// Render produces the artifact bytes and their MIME type. An error means
	// the payload could not be converted; the caller decides whether that is
	// retryable.
	Render(ctx context.Context, payload []byte, format string) (artifact []byte, mimeType string, err error)
}

// MIME types for the supported output formats.
const (
	MimePNG = "image/png"
	MimeSVG = "image/svg+xml"
)

func mimeFor(format string) (string, error) {
	switch format {
	case "png":
		return MimePNG, nil
	case "svg":
		return MimeSVG, nil
	}
	return "", fmt.Errorf("unsupported output format: %q", format)
}

// ForKind builds the renderer for a converter kind from worker config.
func ForKind(kind protocol.Kind, cfg config.WorkerConfig) (Renderer, error) {
	var r Renderer
	switch kind {
	case protocol.KindDrawio:
		r = NewDrawio(cfg.DrawioBin, cfg.RenderTimeout, cfg.GracePeriod)
	case protocol.KindPlantUML:
		r = NewPlantUML(cfg.PlantUMLBin, cfg.RenderTimeout, cfg.GracePeriod)
	default:
		return nil, fmt.Errorf("no renderer for kind %q", kind)
	}
	if cfg.CacheSize > 0 {
		r = NewCache(r, cfg.CacheSize)
	}
	return r, nil
}
