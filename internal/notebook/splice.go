package notebook

import "encoding/base64"

// BlockResult is the outcome of converting one diagram block, keyed by the
// block's original cell index when passed to Splice.
type BlockResult struct {
	Artifact []byte
	MimeType string
	Err      string // non-empty marks a permanently failed block
}

// Splice inserts conversion results into the notebook at their recorded cell
// indices, in index order. Successful blocks get a display_data output with
// the rendered artifact; failed blocks get an explicit error placeholder
// output. Cells without a result are left untouched. The input notebook is
// modified in place and returned.
func Splice(nb *Notebook, results map[int]BlockResult) *Notebook {
	for i := range nb.Cells {
		res, ok := results[i]
		if !ok {
			continue
		}
		if res.Err != "" {
			nb.Cells[i].Outputs = []Output{errorPlaceholder(res.Err)}
			continue
		}
		nb.Cells[i].Outputs = []Output{artifactOutput(res.Artifact, res.MimeType)}
	}
	return nb
}

func artifactOutput(artifact []byte, mimeType string) Output {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return Output{
		"output_type": "display_data",
		"data": map[string]any{
			mimeType: base64.StdEncoding.EncodeToString(artifact),
		},
		"metadata": map[string]any{},
	}
}

func errorPlaceholder(reason string) Output {
	return Output{
		"output_type": "error",
		"ename":       "ConversionError",
		"evalue":      reason,
		"traceback":   []any{},
	}
}
