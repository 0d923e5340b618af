package render

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbrelay/nbrelay/internal/log"
)

// PlantUML renders diagram text through the plantuml CLI in pipe mode:
// source on stdin, artifact on stdout, no files touched.
type PlantUML struct {
	bin     string
	timeout time.Duration
	grace   time.Duration
	logger  *slog.Logger
}

// NewPlantUML creates a PlantUML renderer around the given binary.
func NewPlantUML(bin string, timeout, grace time.Duration) *PlantUML {
	return &PlantUML{
		bin:     bin,
		timeout: timeout,
		grace:   grace,
		logger:  log.WithComponent("render").With("renderer", "plantuml"),
	}
}

// Render pipes the payload through plantuml.
func (p *PlantUML) Render(ctx context.Context, payload []byte, format string) ([]byte, string, error) {
	mimeType, err := mimeFor(format)
	if err != nil {
		return nil, "", err
	}

	args := []string{"-pipe", "-t" + format}
	out, stderr, err := runConverter(p.bin, args, nil, payload, p.timeout, p.grace, p.logger)
	if err != nil {
		return nil, "", fmt.Errorf("plantuml: %w (stderr: %s)", err, stderr)
	}
	if len(out) == 0 {
		return nil, "", fmt.Errorf("plantuml produced an empty %s artifact", format)
	}
	return out, mimeType, nil
}
