package notebook

import (
	"strings"

	"github.com/google/uuid"

	"github.com/nbrelay/nbrelay/internal/protocol"
)

// DiagramBlock is one embedded diagram extracted from a notebook. Immutable
// once created; the correlation ID is generated at extraction time and is the
// only join key between a request and its response.
type DiagramBlock struct {
	Index         int
	Kind          protocol.Kind
	Source        string
	CorrelationID string
}

// ExtractBlocks scans a notebook and returns its diagram blocks in cell
// order. The scan rule is deterministic: a code cell is a diagram block when
// its metadata declares `diagram: <kind>` or its first line is a `%%<kind>`
// magic. Cells declaring a kind no converter handles pass through untouched.
// The notebook itself is never mutated.
func ExtractBlocks(nb *Notebook) []DiagramBlock {
	var blocks []DiagramBlock
	for i, cell := range nb.Cells {
		kind, source, ok := diagramKind(cell)
		if !ok {
			continue
		}
		blocks = append(blocks, DiagramBlock{
			Index:         i,
			Kind:          kind,
			Source:        source,
			CorrelationID: uuid.NewString(),
		})
	}
	return blocks
}

// diagramKind returns the declared kind and the diagram payload (magic line
// stripped) for a cell, or ok=false if the cell is not a convertible block.
func diagramKind(cell Cell) (protocol.Kind, string, bool) {
	if cell.Type != "code" {
		return "", "", false
	}

	text := cell.Source.Text()

	if declared, found := cell.Metadata["diagram"]; found {
		name, isString := declared.(string)
		if !isString {
			return "", "", false
		}
		kind, err := protocol.ParseKind(name)
		if err != nil {
			// Unrecognized kinds are passthrough, not an error.
			return "", "", false
		}
		return kind, text, true
	}

	first, rest, _ := strings.Cut(text, "\n")
	magic := strings.TrimSpace(first)
	if !strings.HasPrefix(magic, "%%") {
		return "", "", false
	}
	kind, err := protocol.ParseKind(strings.TrimPrefix(magic, "%%"))
	if err != nil {
		return "", "", false
	}
	return kind, rest, true
}
