package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeDecodeRequest(t *testing.T) {
	t.Parallel()

	req := &ConversionRequest{
		CorrelationID: "corr-1",
		Kind:          KindDrawio,
		Payload:       []byte("<mxfile></mxfile>"),
		OutputFormat:  "png",
		ReplyTo:       "img.result.job1",
	}

	data, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	got, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.CorrelationID != "corr-1" || got.Kind != KindDrawio || got.ReplyTo != "img.result.job1" {
		t.Fatalf("unexpected request: %#v", got)
	}
	if string(got.Payload) != "<mxfile></mxfile>" {
		t.Fatalf("payload mangled: %q", got.Payload)
	}
}

func TestEncodeRequestRejectsMissingCorrelationID(t *testing.T) {
	t.Parallel()

	_, err := EncodeRequest(&ConversionRequest{Kind: KindPlantUML})
	if err == nil || !strings.Contains(err.Error(), "correlation_id") {
		t.Fatalf("expected correlation_id error, got %v", err)
	}
}

func TestDecodeRequestRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	data := []byte(`{"correlation_id":"c1","kind":"mermaid","reply_to":"img.result"}`)
	if _, err := DecodeRequest(data); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDecodeRequestRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	data := []byte(`{"correlation_id":"c1","kind":"drawio","reply_to":"r","bogus":1}`)
	if _, err := DecodeRequest(data); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestDecodeResponseValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload string
		wantErr string
	}{
		{
			name:    "missing correlation id",
			payload: `{"status":"success","artifact":"aGk="}`,
			wantErr: "correlation_id",
		},
		{
			name:    "bad status",
			payload: `{"correlation_id":"c1","status":"done"}`,
			wantErr: "invalid status",
		},
		{
			name:    "failure without error",
			payload: `{"correlation_id":"c1","status":"failure"}`,
			wantErr: "no error message",
		},
		{
			name:    "success without artifact",
			payload: `{"correlation_id":"c1","status":"success"}`,
			wantErr: "no artifact",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeResponse([]byte(tc.payload))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	t.Parallel()

	resp := &ConversionResponse{
		CorrelationID: "corr-2",
		Status:        StatusSuccess,
		Artifact:      []byte{0x89, 'P', 'N', 'G'},
		MimeType:      "image/png",
	}
	data, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	got, err := DecodeResponse(data)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !got.Succeeded() || got.MimeType != "image/png" || len(got.Artifact) != 4 {
		t.Fatalf("unexpected response: %#v", got)
	}
}

func TestDecodeNotebookRequest(t *testing.T) {
	t.Parallel()

	nb := json.RawMessage(`{"cells":[],"nbformat":4,"nbformat_minor":5}`)
	data, _ := json.Marshal(&NotebookRequest{JobID: "job-1", Notebook: nb})

	req, err := DecodeNotebookRequest(data)
	if err != nil {
		t.Fatalf("DecodeNotebookRequest: %v", err)
	}
	if req.JobID != "job-1" {
		t.Fatalf("unexpected job id %q", req.JobID)
	}

	if _, err := DecodeNotebookRequest([]byte(`{"notebook":{}}`)); err == nil {
		t.Fatal("expected error for missing job_id")
	}
	if _, err := DecodeNotebookRequest([]byte(`{"job_id":"x"}`)); err == nil {
		t.Fatal("expected error for missing notebook")
	}
}

func TestEncodeNotebookResultRejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()

	_, err := EncodeNotebookResult(&NotebookResult{JobID: "j", Status: "in_flight"})
	if err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	for _, k := range Kinds() {
		got, err := ParseKind(string(k))
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k, got, err)
		}
	}
	if _, err := ParseKind("graphviz"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
