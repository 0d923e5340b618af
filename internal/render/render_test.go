package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbrelay/nbrelay/internal/config"
	"github.com/nbrelay/nbrelay/internal/protocol"
)

// fakeDrawio mimics the drawio CLI argument contract: it finds the --export
// input and --output destination and writes a marker artifact.
const fakeDrawioScript = `
in=""
out=""
prev=""
for arg in "$@"; do
  case "$prev" in
    --export) in="$arg" ;;
    --output) out="$arg" ;;
  esac
  prev="$arg"
done
[ -n "$in" ] || { echo "no input" >&2; exit 1; }
[ -n "$out" ] || { echo "no output" >&2; exit 1; }
printf "rendered:" > "$out"
cat "$in" >> "$out"
`

func TestDrawioRender(t *testing.T) {
	t.Parallel()
	bin := writeScript(t, fakeDrawioScript)
	d := NewDrawio(bin, 5*time.Second, time.Second)

	artifact, mimeType, err := d.Render(context.Background(), []byte("<mxfile/>"), "png")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if mimeType != MimePNG {
		t.Fatalf("unexpected mime type %q", mimeType)
	}
	if string(artifact) != "rendered:<mxfile/>" {
		t.Fatalf("unexpected artifact %q", artifact)
	}
}

func TestDrawioRenderSVGMime(t *testing.T) {
	t.Parallel()
	bin := writeScript(t, fakeDrawioScript)
	d := NewDrawio(bin, 5*time.Second, time.Second)

	_, mimeType, err := d.Render(context.Background(), []byte("<mxfile/>"), "svg")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if mimeType != MimeSVG {
		t.Fatalf("unexpected mime type %q", mimeType)
	}
}

func TestDrawioRenderNoOutputFile(t *testing.T) {
	t.Parallel()
	// Exits zero without writing the output file.
	bin := writeScript(t, `exit 0`)
	d := NewDrawio(bin, 5*time.Second, time.Second)

	_, _, err := d.Render(context.Background(), []byte("<mxfile/>"), "png")
	if err == nil {
		t.Fatal("expected error when converter writes nothing")
	}
	if !strings.Contains(err.Error(), "no output") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestDrawioRenderUnknownFormat(t *testing.T) {
	t.Parallel()
	d := NewDrawio("drawio", 5*time.Second, time.Second)
	_, _, err := d.Render(context.Background(), []byte("x"), "gif")
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestPlantUMLRender(t *testing.T) {
	t.Parallel()
	bin := writeScript(t, `printf "uml:"; cat`)
	p := NewPlantUML(bin, 5*time.Second, time.Second)

	artifact, mimeType, err := p.Render(context.Background(), []byte("@startuml\n@enduml"), "png")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if mimeType != MimePNG {
		t.Fatalf("unexpected mime type %q", mimeType)
	}
	if string(artifact) != "uml:@startuml\n@enduml" {
		t.Fatalf("unexpected artifact %q", artifact)
	}
}

func TestPlantUMLRenderFailure(t *testing.T) {
	t.Parallel()
	bin := writeScript(t, `echo "syntax error" >&2; exit 1`)
	p := NewPlantUML(bin, 5*time.Second, time.Second)

	_, _, err := p.Render(context.Background(), []byte("@startuml"), "png")
	if err == nil {
		t.Fatal("expected error from failing converter")
	}
	if !strings.Contains(err.Error(), "syntax error") {
		t.Fatalf("stderr should surface in the error, got %v", err)
	}
}

type countingRenderer struct {
	calls atomic.Int64
	fail  bool
}

func (r *countingRenderer) Render(ctx context.Context, payload []byte, format string) ([]byte, string, error) {
	n := r.calls.Add(1)
	if r.fail {
		return nil, "", errors.New("render failed")
	}
	return []byte(fmt.Sprintf("%s#%d", payload, n)), MimePNG, nil
}

func TestCacheHit(t *testing.T) {
	t.Parallel()
	inner := &countingRenderer{}
	c := NewCache(inner, 4)

	first, _, err := c.Render(context.Background(), []byte("diagram"), "png")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	second, _, err := c.Render(context.Background(), []byte("diagram"), "png")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("cache must return the stored artifact: %q vs %q", first, second)
	}
	if got := inner.calls.Load(); got != 1 {
		t.Fatalf("expected 1 inner render, got %d", got)
	}
}

func TestCacheKeyIncludesFormat(t *testing.T) {
	t.Parallel()
	inner := &countingRenderer{}
	c := NewCache(inner, 4)

	_, _, _ = c.Render(context.Background(), []byte("diagram"), "png")
	_, _, _ = c.Render(context.Background(), []byte("diagram"), "svg")
	if got := inner.calls.Load(); got != 2 {
		t.Fatalf("png and svg must cache separately, got %d inner renders", got)
	}
}

func TestCacheEvictsOldest(t *testing.T) {
	t.Parallel()
	inner := &countingRenderer{}
	c := NewCache(inner, 2)

	_, _, _ = c.Render(context.Background(), []byte("a"), "png")
	_, _, _ = c.Render(context.Background(), []byte("b"), "png")
	_, _, _ = c.Render(context.Background(), []byte("c"), "png") // evicts a
	if c.Len() != 2 {
		t.Fatalf("expected 2 cached entries, got %d", c.Len())
	}

	before := inner.calls.Load()
	_, _, _ = c.Render(context.Background(), []byte("a"), "png")
	if inner.calls.Load() != before+1 {
		t.Fatal("evicted entry must re-render")
	}
}

func TestCacheDoesNotCacheFailures(t *testing.T) {
	t.Parallel()
	inner := &countingRenderer{fail: true}
	c := NewCache(inner, 4)

	_, _, err := c.Render(context.Background(), []byte("bad"), "png")
	if err == nil {
		t.Fatal("expected error")
	}
	if c.Len() != 0 {
		t.Fatalf("failure must not be cached, got %d entries", c.Len())
	}
}

func TestForKind(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults().Worker

	for _, kind := range protocol.Kinds() {
		if _, err := ForKind(kind, cfg); err != nil {
			t.Fatalf("ForKind(%s): %v", kind, err)
		}
	}
	if _, err := ForKind(protocol.Kind("mermaid"), cfg); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDrawioInputCleanedUp(t *testing.T) {
	// t.Setenv forbids t.Parallel.
	var captured string
	bin := writeScript(t, fakeDrawioScript+"\ndirname \"$in\" > \"${NBRELAY_TEST_DIR_FILE}\"")
	dirFile := filepath.Join(t.TempDir(), "dir")
	t.Setenv("NBRELAY_TEST_DIR_FILE", dirFile)

	d := NewDrawio(bin, 5*time.Second, time.Second)
	if _, _, err := d.Render(context.Background(), []byte("<mxfile/>"), "png"); err != nil {
		t.Fatalf("Render: %v", err)
	}

	raw, err := os.ReadFile(dirFile)
	if err != nil {
		t.Fatalf("read dir file: %v", err)
	}
	captured = strings.TrimSpace(string(raw))
	if _, err := os.Stat(captured); !os.IsNotExist(err) {
		t.Fatalf("temp dir %s should be removed, stat err %v", captured, err)
	}
}
