package notebook

import (
	"encoding/json"
	"fmt"
)

// Notebook is a minimal nbformat v4 document model. Cell metadata and outputs
// are kept loosely typed so fields this relay does not understand survive a
// parse/serialize round trip.
type Notebook struct {
	Cells         []Cell         `json:"cells"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

// Cell is one notebook cell.
type Cell struct {
	ID             string         `json:"id,omitempty"`
	Type           string         `json:"cell_type"`
	Source         Source         `json:"source"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Outputs        []Output       `json:"outputs,omitempty"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
	Attachments    map[string]any `json:"attachments,omitempty"`
}

// Output is one cell output, kept opaque.
type Output map[string]any

// Source holds cell source text. nbformat allows both a single string and a
// list of lines on the wire; both decode here. Serialization always emits the
// list form.
type Source []string

// UnmarshalJSON accepts either a string or a list of strings.
func (s *Source) UnmarshalJSON(data []byte) error {
	var lines []string
	if err := json.Unmarshal(data, &lines); err == nil {
		*s = lines
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("cell source is neither string nor string list")
	}
	*s = []string{single}
	return nil
}

// Text joins the source lines into one string.
func (s Source) Text() string {
	switch len(s) {
	case 0:
		return ""
	case 1:
		return s[0]
	}
	var out string
	for _, line := range s {
		out += line
	}
	return out
}

// Parse decodes a notebook document.
func Parse(data []byte) (*Notebook, error) {
	var nb Notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("failed to parse notebook: %w", err)
	}
	if nb.NBFormat == 0 {
		return nil, fmt.Errorf("notebook missing nbformat version")
	}
	return &nb, nil
}

// Serialize encodes a notebook document.
func Serialize(nb *Notebook) ([]byte, error) {
	data, err := json.Marshal(nb)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize notebook: %w", err)
	}
	return data, nil
}
