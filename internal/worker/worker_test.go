package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/nbrelay/nbrelay/internal/bus"
	"github.com/nbrelay/nbrelay/internal/config"
	"github.com/nbrelay/nbrelay/internal/protocol"
)

type stubRenderer struct {
	artifact []byte
	mimeType string
	err      error

	calls   int
	formats []string
}

func (r *stubRenderer) Render(ctx context.Context, payload []byte, format string) ([]byte, string, error) {
	r.calls++
	r.formats = append(r.formats, format)
	if r.err != nil {
		return nil, "", r.err
	}
	return r.artifact, r.mimeType, nil
}

func startWorker(t *testing.T, m *bus.Memory, r *stubRenderer) (*Worker, *config.Config) {
	t.Helper()
	cfg := config.Defaults()
	w := New(m, r, protocol.KindDrawio, cfg)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, cfg
}

func collectResponses(t *testing.T, m *bus.Memory, subject string) *[]*protocol.ConversionResponse {
	t.Helper()
	var got []*protocol.ConversionResponse
	if _, err := m.QueueSubscribe(subject, "", func(msg bus.Msg) {
		resp, err := protocol.DecodeResponse(msg.Data)
		if err != nil {
			t.Errorf("worker published invalid response: %v", err)
			return
		}
		got = append(got, resp)
	}); err != nil {
		t.Fatalf("subscribe responses: %v", err)
	}
	return &got
}

func publishRequest(t *testing.T, m *bus.Memory, cfg *config.Config, req *protocol.ConversionRequest) {
	t.Helper()
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if err := m.Publish(cfg.Subjects.RequestSubject(req.Kind), data); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestWorkerRendersAndResponds(t *testing.T) {
	t.Parallel()
	m := bus.NewMemory()
	r := &stubRenderer{artifact: []byte("png-bytes"), mimeType: "image/png"}
	_, cfg := startWorker(t, m, r)
	got := collectResponses(t, m, "img.result.job-1")

	publishRequest(t, m, cfg, &protocol.ConversionRequest{
		CorrelationID: "corr-1",
		Kind:          protocol.KindDrawio,
		Payload:       []byte("<mxfile/>"),
		ReplyTo:       "img.result.job-1",
	})

	if len(*got) != 1 {
		t.Fatalf("expected 1 response, got %d", len(*got))
	}
	resp := (*got)[0]
	if resp.CorrelationID != "corr-1" || !resp.Succeeded() {
		t.Fatalf("unexpected response %+v", resp)
	}
	if string(resp.Artifact) != "png-bytes" || resp.MimeType != "image/png" {
		t.Fatalf("artifact not carried: %+v", resp)
	}
}

func TestWorkerFailureResponse(t *testing.T) {
	t.Parallel()
	m := bus.NewMemory()
	r := &stubRenderer{err: errors.New("drawio exited with status 1")}
	_, cfg := startWorker(t, m, r)
	got := collectResponses(t, m, cfg.Subjects.Response)

	publishRequest(t, m, cfg, &protocol.ConversionRequest{
		CorrelationID: "corr-2",
		Kind:          protocol.KindDrawio,
		Payload:       []byte("broken"),
	})

	if len(*got) != 1 {
		t.Fatalf("expected 1 response, got %d", len(*got))
	}
	resp := (*got)[0]
	if resp.Succeeded() {
		t.Fatal("expected failure response")
	}
	if resp.Error == "" {
		t.Fatal("failure response must carry a reason")
	}
}

func TestWorkerDefaultsOutputFormat(t *testing.T) {
	t.Parallel()
	m := bus.NewMemory()
	r := &stubRenderer{artifact: []byte("x"), mimeType: "image/png"}
	_, cfg := startWorker(t, m, r)
	collectResponses(t, m, cfg.Subjects.Response)

	publishRequest(t, m, cfg, &protocol.ConversionRequest{
		CorrelationID: "corr-3",
		Kind:          protocol.KindDrawio,
		Payload:       []byte("d"),
	})
	publishRequest(t, m, cfg, &protocol.ConversionRequest{
		CorrelationID: "corr-4",
		Kind:          protocol.KindDrawio,
		Payload:       []byte("d"),
		OutputFormat:  "svg",
	})

	if len(r.formats) != 2 || r.formats[0] != cfg.Worker.OutputFormat || r.formats[1] != "svg" {
		t.Fatalf("unexpected formats %v", r.formats)
	}
}

func TestWorkerMalformedWithCorrelationID(t *testing.T) {
	t.Parallel()
	m := bus.NewMemory()
	r := &stubRenderer{artifact: []byte("x"), mimeType: "image/png"}
	_, cfg := startWorker(t, m, r)
	got := collectResponses(t, m, cfg.Subjects.Response)

	// Unknown field fails strict decoding but the correlation ID survives.
	raw := []byte(`{"correlation_id":"corr-5","kind":"drawio","payload":"eA==","bogus":true}`)
	if err := m.Publish(cfg.Subjects.RequestSubject(protocol.KindDrawio), raw); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(*got) != 1 {
		t.Fatalf("expected failure response, got %d responses", len(*got))
	}
	resp := (*got)[0]
	if resp.CorrelationID != "corr-5" || resp.Succeeded() {
		t.Fatalf("unexpected response %+v", resp)
	}
	if r.calls != 0 {
		t.Fatal("malformed request must not reach the renderer")
	}
}

func TestWorkerMalformedWithoutCorrelationIDDropped(t *testing.T) {
	t.Parallel()
	m := bus.NewMemory()
	r := &stubRenderer{artifact: []byte("x"), mimeType: "image/png"}
	_, cfg := startWorker(t, m, r)
	got := collectResponses(t, m, cfg.Subjects.Response)

	if err := m.Publish(cfg.Subjects.RequestSubject(protocol.KindDrawio), []byte(`not json`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := m.Publish(cfg.Subjects.RequestSubject(protocol.KindDrawio), []byte(`{"kind":"drawio"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(*got) != 0 {
		t.Fatalf("unroutable garbage must be dropped, got %d responses", len(*got))
	}
}

func TestWorkerMisroutedKind(t *testing.T) {
	t.Parallel()
	m := bus.NewMemory()
	cfg := config.Defaults()
	// Point both kinds at one subject so the drawio worker sees a plantuml request.
	cfg.Subjects.Request[protocol.KindPlantUML] = cfg.Subjects.Request[protocol.KindDrawio]

	r := &stubRenderer{artifact: []byte("x"), mimeType: "image/png"}
	w := New(m, r, protocol.KindDrawio, cfg)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	got := collectResponses(t, m, cfg.Subjects.Response)

	publishRequest(t, m, cfg, &protocol.ConversionRequest{
		CorrelationID: "corr-6",
		Kind:          protocol.KindPlantUML,
		Payload:       []byte("@startuml"),
	})

	if len(*got) != 1 || (*got)[0].Succeeded() {
		t.Fatalf("misrouted request must fail fast, got %+v", *got)
	}
	if r.calls != 0 {
		t.Fatal("misrouted request must not be rendered")
	}
}

func TestWorkerQueueGroupSharesLoad(t *testing.T) {
	t.Parallel()
	m := bus.NewMemory()
	cfg := config.Defaults()

	r1 := &stubRenderer{artifact: []byte("x"), mimeType: "image/png"}
	r2 := &stubRenderer{artifact: []byte("x"), mimeType: "image/png"}
	for _, r := range []*stubRenderer{r1, r2} {
		w := New(m, r, protocol.KindDrawio, cfg)
		if err := w.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		t.Cleanup(w.Stop)
	}
	got := collectResponses(t, m, cfg.Subjects.Response)

	for i := 0; i < 4; i++ {
		publishRequest(t, m, cfg, &protocol.ConversionRequest{
			CorrelationID: "corr",
			Kind:          protocol.KindDrawio,
			Payload:       []byte("d"),
		})
	}

	if len(*got) != 4 {
		t.Fatalf("each request must be answered once, got %d", len(*got))
	}
	if r1.calls+r2.calls != 4 || r1.calls == 0 || r2.calls == 0 {
		t.Fatalf("work not shared across group members: %d/%d", r1.calls, r2.calls)
	}
}
