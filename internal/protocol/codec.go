package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeRequest serializes a ConversionRequest for publication.
func EncodeRequest(req *ConversionRequest) ([]byte, error) {
	if req.CorrelationID == "" {
		return nil, fmt.Errorf("request missing correlation_id")
	}
	if _, err := ParseKind(string(req.Kind)); err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

// DecodeRequest deserializes and validates a ConversionRequest.
func DecodeRequest(data []byte) (*ConversionRequest, error) {
	var req ConversionRequest

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields() // Strict parsing

	if err := decoder.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.CorrelationID == "" {
		return nil, fmt.Errorf("request missing required field: correlation_id")
	}
	if _, err := ParseKind(string(req.Kind)); err != nil {
		return nil, err
	}
	return &req, nil
}

// EncodeResponse serializes a ConversionResponse for publication.
func EncodeResponse(resp *ConversionResponse) ([]byte, error) {
	if err := validateResponse(resp); err != nil {
		return nil, err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return data, nil
}

// DecodeResponse reads and validates a ConversionResponse. Malformed
// responses are a protocol error: callers log and discard, never crash.
func DecodeResponse(data []byte) (*ConversionResponse, error) {
	var resp ConversionResponse

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields() // Strict parsing

	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := validateResponse(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func validateResponse(resp *ConversionResponse) error {
	if resp.CorrelationID == "" {
		return fmt.Errorf("response missing required field: correlation_id")
	}
	if resp.Status != StatusSuccess && resp.Status != StatusFailure {
		return fmt.Errorf("invalid status value: %q (must be %q or %q)",
			resp.Status, StatusSuccess, StatusFailure)
	}
	if resp.Status == StatusFailure && resp.Error == "" {
		return fmt.Errorf("response has status=failure but no error message")
	}
	if resp.Status == StatusSuccess && len(resp.Artifact) == 0 {
		return fmt.Errorf("response has status=success but no artifact")
	}
	return nil
}

// DecodeNotebookRequest deserializes a notebook job submission.
func DecodeNotebookRequest(data []byte) (*NotebookRequest, error) {
	var req NotebookRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode notebook request: %w", err)
	}
	if req.JobID == "" {
		return nil, fmt.Errorf("notebook request missing required field: job_id")
	}
	if len(req.Notebook) == 0 {
		return nil, fmt.Errorf("notebook request missing required field: notebook")
	}
	return &req, nil
}

// EncodeNotebookResult serializes the terminal event for a job.
func EncodeNotebookResult(res *NotebookResult) ([]byte, error) {
	if res.JobID == "" {
		return nil, fmt.Errorf("notebook result missing job_id")
	}
	switch res.Status {
	case JobCompleted, JobPartiallyFailed, JobFailed:
	default:
		return nil, fmt.Errorf("invalid terminal status: %q", res.Status)
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notebook result: %w", err)
	}
	return data, nil
}
