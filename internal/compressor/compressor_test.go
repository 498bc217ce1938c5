package compressor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"image-compressor-go/internal/logger"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
)

// Helper functions

func noiseImage(w, h int) *image.NRGBA {
	rng := rand.New(rand.NewSource(42))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(x * 255 / w),
				B: uint8(y * 255 / h),
				A: 255,
			})
		}
	}
	return img
}

func createJPEG(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := imaging.Save(noiseImage(96, 96), path, imaging.JPEGQuality(100)); err != nil {
		t.Fatalf("Failed to create JPEG %s: %v", path, err)
	}
	return path
}

func createPNG(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := imaging.Save(noiseImage(64, 64), path); err != nil {
		t.Fatalf("Failed to create PNG %s: %v", path, err)
	}
	return path
}

func mkdir(t *testing.T, parent, name string) string {
	t.Helper()
	dir := filepath.Join(parent, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create %s: %v", dir, err)
	}
	return dir
}

func createFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to create file %s: %v", path, err)
	}
	return path
}

// createTool writes a shell script standing in for an external optimizer.
// It is called as: tool --quality=Q --force --output DST SRC
func createTool(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script tools are not supported on windows")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("Failed to create tool %s: %v", path, err)
	}
	return path
}

func assertExactlyOne(t *testing.T, res Result) {
	t.Helper()
	if (res.NewSize != nil) == (res.Err != nil) {
		t.Fatalf("Expected exactly one of new size and error, got size=%v err=%v", res.NewSize, res.Err)
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("Expected %s to be empty, found %v", dir, names)
	}
}

// assertOnlyFiles fails if dir holds anything besides names, such as a
// leftover temp file.
func assertOnlyFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", dir, err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	if strings.Join(got, ",") != strings.Join(names, ",") {
		t.Errorf("Expected %s to hold %v, found %v", dir, names, got)
	}
}

func newTestCompressor() *DefaultCompressor {
	return NewDefaultCompressor(afero.NewOsFs(), logger.Discard())
}

type panicStrategy struct{}

func (panicStrategy) Name() string          { return "panic" }
func (panicStrategy) Label(Options) string { return "panic" }
func (panicStrategy) Compress(context.Context, string, string, Options) error {
	panic("encoder exploded")
}

type fakeMarks map[string]bool

func (m fakeMarks) IsMarked(path string) bool { return m[path] }

func TestFormatOf(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"/in/a.jpg", FormatJPEG},
		{"/in/a.JPEG", FormatJPEG},
		{"/in/b.png", FormatPNG},
		{"/in/b.PNG", FormatPNG},
		{"/in/c.txt", FormatOther},
		{"/in/d.gif", FormatOther},
		{"/in/noext", FormatOther},
	}
	for _, tt := range tests {
		if got := FormatOf(tt.path); got != tt.want {
			t.Errorf("FormatOf(%s) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestClampQuality(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultQuality},
		{-5, MinQuality},
		{5, MinQuality},
		{10, 10},
		{80, 80},
		{100, 100},
		{250, MaxQuality},
	}
	for _, tt := range tests {
		if got := ClampQuality(tt.in); got != tt.want {
			t.Errorf("ClampQuality(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSizeProbe(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/in/a.bin", make([]byte, 1234), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	probe := NewSizeProbe(fs)

	size, err := probe.Size("/in/a.bin")
	if err != nil || size != 1234 {
		t.Errorf("Expected size 1234, got %d (err %v)", size, err)
	}

	var probeErr *SizeProbeError
	if _, err := probe.Size("/in/missing.bin"); !errors.As(err, &probeErr) {
		t.Errorf("Expected SizeProbeError for missing file, got %v", err)
	}
	if _, err := probe.Size("/in"); !errors.As(err, &probeErr) {
		t.Errorf("Expected SizeProbeError for directory, got %v", err)
	}
}

func TestCompress_JPEGReencode(t *testing.T) {
	in, out := t.TempDir(), filepath.Join(t.TempDir(), "out")
	src := createJPEG(t, in, "a.jpg")
	if err := os.MkdirAll(out, 0755); err != nil {
		t.Fatal(err)
	}

	res := newTestCompressor().Compress(context.Background(), src, Options{Quality: 80, OutputDir: out})
	assertExactlyOne(t, res)
	if res.Err != nil {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if !strings.Contains(res.Method, "JPEG q=80") {
		t.Errorf("Expected JPEG re-encoder label, got %s", res.Method)
	}
	if *res.NewSize > *res.OriginalSize {
		t.Errorf("Expected new size <= %d, got %d", *res.OriginalSize, *res.NewSize)
	}
	if res.Destination != filepath.Join(out, "a.jpg") {
		t.Errorf("Expected destination in output dir, got %s", res.Destination)
	}
	if info, err := os.Stat(res.Destination); err != nil || info.Size() != *res.NewSize {
		t.Errorf("Expected output file of reported size, got %v (err %v)", info, err)
	}
	assertOnlyFiles(t, out, "a.jpg")
}

func TestCompress_PNGFallsBackWhenToolMissing(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := createPNG(t, in, "b.png")

	res := newTestCompressor().Compress(context.Background(), src, Options{
		Quality:        80,
		OutputDir:      out,
		PreferExternal: true,
		ExternalTool:   filepath.Join(in, "no-such-pngquant"),
	})
	assertExactlyOne(t, res)
	if res.Err != nil {
		t.Fatalf("Expected fallback success, got %v", res.Err)
	}
	if !strings.Contains(res.Method, "PNG") {
		t.Errorf("Expected PNG re-encoder label, got %s", res.Method)
	}
}

func TestCompress_OtherFormatIsCopied(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	data := bytes.Repeat([]byte("x"), 10000)
	src := createFile(t, in, "c.txt", data)

	res := newTestCompressor().Compress(context.Background(), src, Options{OutputDir: out})
	assertExactlyOne(t, res)
	if res.Method != "copy" {
		t.Errorf("Expected method copy, got %s", res.Method)
	}
	if *res.NewSize != 10000 || *res.OriginalSize != 10000 {
		t.Errorf("Expected sizes 10000/10000, got %d/%d", *res.OriginalSize, *res.NewSize)
	}
	if !strings.HasPrefix(res.MethodLabel(), "copy | dst: ") {
		t.Errorf("Unexpected method label %s", res.MethodLabel())
	}
	got, err := os.ReadFile(filepath.Join(out, "c.txt"))
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("Expected byte-for-byte copy (err %v)", err)
	}
}

func TestCompress_JPEGFailureIsTerminal(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := createFile(t, in, "broken.jpg", []byte("not a jpeg"))

	res := newTestCompressor().Compress(context.Background(), src, Options{OutputDir: out})
	assertExactlyOne(t, res)

	var serr *StrategyError
	if !errors.As(res.Err, &serr) {
		t.Fatalf("Expected StrategyError, got %v", res.Err)
	}
	if res.OriginalSize == nil || *res.OriginalSize != int64(len("not a jpeg")) {
		t.Errorf("Expected original size to be reported, got %v", res.OriginalSize)
	}
	assertEmptyDir(t, out)
}

func TestCompress_PNGFallbackExhausted(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := createFile(t, in, "broken.png", []byte("not a png"))
	tool := createTool(t, in, "failing-optimizer", "exit 3")

	res := newTestCompressor().Compress(context.Background(), src, Options{
		OutputDir:      out,
		PreferExternal: true,
		ExternalTool:   tool,
	})
	assertExactlyOne(t, res)

	var ferr *FallbackExhaustedError
	if !errors.As(res.Err, &ferr) {
		t.Fatalf("Expected FallbackExhaustedError, got %v", res.Err)
	}
	if len(ferr.Attempts) != 2 {
		t.Errorf("Expected 2 attempts, got %d", len(ferr.Attempts))
	}
	msg := res.Err.Error()
	if !strings.Contains(msg, "failing-optimizer") || !strings.Contains(msg, "png re-encode") {
		t.Errorf("Expected both attempts in message, got %s", msg)
	}
}

func TestCompress_MissingSource(t *testing.T) {
	res := newTestCompressor().Compress(context.Background(), "/definitely/missing.txt", Options{OutputDir: t.TempDir()})
	assertExactlyOne(t, res)

	var probeErr *SizeProbeError
	if !errors.As(res.Err, &probeErr) {
		t.Errorf("Expected SizeProbeError, got %v", res.Err)
	}
}

func TestCompress_ExternalOptimizer(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		timeout    time.Duration
		wantMethod string
	}{
		{"success", `cp "$5" "$4"`, 5 * time.Second, "fake-optimizer"},
		{"non-zero exit", `cp "$5" "$4"; exit 1`, 5 * time.Second, "imaging(PNG best compression)"},
		{"no output", `exit 0`, 5 * time.Second, "imaging(PNG best compression)"},
		{"timeout", `exec sleep 5`, 200 * time.Millisecond, "imaging(PNG best compression)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, out := t.TempDir(), t.TempDir()
			src := createPNG(t, in, "b.png")
			tool := createTool(t, in, "fake-optimizer", tt.body)

			started := time.Now()
			res := newTestCompressor().Compress(context.Background(), src, Options{
				Quality:         80,
				OutputDir:       out,
				PreferExternal:  true,
				ExternalTool:    tool,
				ExternalTimeout: tt.timeout,
			})
			assertExactlyOne(t, res)
			if res.Err != nil {
				t.Fatalf("Expected success, got %v", res.Err)
			}
			if res.Method != tt.wantMethod {
				t.Errorf("Expected method %s, got %s", tt.wantMethod, res.Method)
			}
			if elapsed := time.Since(started); elapsed > 4*time.Second {
				t.Errorf("Expected timeout to bound the call, took %v", elapsed)
			}
			assertOnlyFiles(t, out, "b.png")
		})
	}
}

func TestCompress_OutputDirIsInputDir(t *testing.T) {
	tools := t.TempDir()
	tests := []struct {
		name string
		tool func(t *testing.T) string
	}{
		{"tool missing", func(t *testing.T) string { return filepath.Join(tools, "pngquant-not-installed") }},
		{"tool fails", func(t *testing.T) string { return createTool(t, tools, "failing-optimizer", "exit 1") }},
		{"tool succeeds", func(t *testing.T) string { return createTool(t, tools, "fake-optimizer", `cp "$5" "$4"`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			src := createPNG(t, dir, "photo.png")
			tool := tt.tool(t)

			res := newTestCompressor().Compress(context.Background(), src, Options{
				OutputDir:      dir,
				PreferExternal: true,
				ExternalTool:   tool,
			})
			assertExactlyOne(t, res)
			if res.Err != nil {
				t.Fatalf("Expected success, got %v", res.Err)
			}
			if res.Destination != src {
				t.Errorf("Expected in-place destination %s, got %s", src, res.Destination)
			}
			if _, err := imaging.Open(src); err != nil {
				t.Errorf("Expected a decodable image at %s, got %v", src, err)
			}
			assertOnlyFiles(t, dir, "photo.png")
		})
	}
}

func TestCompress_SameBasenameConcurrently(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "out")
	if err := os.MkdirAll(out, 0755); err != nil {
		t.Fatal(err)
	}
	const size = 1 << 20
	srcA := createFile(t, mkdir(t, root, "a"), "x.bin", bytes.Repeat([]byte("A"), size))
	srcB := createFile(t, mkdir(t, root, "b"), "x.bin", bytes.Repeat([]byte("B"), size))

	c := newTestCompressor()
	for i := 0; i < 20; i++ {
		var resA, resB Result
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			resA = c.Compress(context.Background(), srcA, Options{OutputDir: out})
		}()
		go func() {
			defer wg.Done()
			resB = c.Compress(context.Background(), srcB, Options{OutputDir: out})
		}()
		wg.Wait()

		if resA.Err != nil || resB.Err != nil {
			t.Fatalf("Iteration %d: expected both copies to succeed, got %v / %v", i, resA.Err, resB.Err)
		}
		got, err := os.ReadFile(filepath.Join(out, "x.bin"))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != size {
			t.Fatalf("Iteration %d: expected %d bytes, got %d", i, size, len(got))
		}
		if !bytes.Equal(got, bytes.Repeat(got[:1], size)) {
			t.Fatalf("Iteration %d: output mixes bytes of both sources", i)
		}
		assertOnlyFiles(t, out, "x.bin")
	}
}

func TestCompress_DryRunNeverWritesOutput(t *testing.T) {
	in, scratch := t.TempDir(), t.TempDir()
	out := filepath.Join(t.TempDir(), "out")
	sources := []string{
		createJPEG(t, in, "a.jpg"),
		createPNG(t, in, "b.png"),
		createFile(t, in, "c.txt", bytes.Repeat([]byte("y"), 500)),
	}

	c := newTestCompressor()
	for _, src := range sources {
		res := c.Compress(context.Background(), src, Options{Quality: 80, OutputDir: out, DryRun: true, TempDir: scratch})
		assertExactlyOne(t, res)
		if res.Err != nil {
			t.Errorf("Expected estimate for %s, got %v", src, res.Err)
			continue
		}
		if !strings.HasSuffix(res.MethodLabel(), "| dst: (dry-run no write)") {
			t.Errorf("Expected dry-run marker, got %s", res.MethodLabel())
		}
	}

	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("Expected output dir to not exist after dry run, got %v", err)
	}
	assertEmptyDir(t, scratch)
}

func TestCompress_DryRunOtherFormatReportsOriginalSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/in/c.txt", make([]byte, 10000), 0644); err != nil {
		t.Fatal(err)
	}
	c := NewDefaultCompressor(fs, logger.Discard())

	res := c.Compress(context.Background(), "/in/c.txt", Options{OutputDir: "/out", DryRun: true})
	assertExactlyOne(t, res)
	if *res.NewSize != 10000 || res.Method != "copy" {
		t.Errorf("Expected unchanged size with copy method, got %d %s", *res.NewSize, res.Method)
	}
	if exists, _ := afero.DirExists(fs, "/out"); exists {
		t.Error("Expected dry run to leave /out alone")
	}
}

func TestCompress_DryRunCleansUpOnFailure(t *testing.T) {
	in, scratch := t.TempDir(), t.TempDir()
	src := createFile(t, in, "broken.jpg", []byte("garbage"))

	res := newTestCompressor().Compress(context.Background(), src, Options{DryRun: true, TempDir: scratch, OutputDir: "unused"})
	assertExactlyOne(t, res)
	if res.Err == nil {
		t.Fatal("Expected error for broken jpeg")
	}
	assertEmptyDir(t, scratch)
}

func TestCompress_DryRunCleansUpOnPanic(t *testing.T) {
	in, scratch := t.TempDir(), t.TempDir()
	src := createJPEG(t, in, "a.jpg")

	c := newTestCompressor()
	c.jpeg = panicStrategy{}

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected the strategy panic to propagate")
			}
		}()
		c.Compress(context.Background(), src, Options{DryRun: true, TempDir: scratch})
	}()

	assertEmptyDir(t, scratch)
}

func TestCompress_SkipMarkedJPEG(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := createJPEG(t, in, "a.jpg")

	c := newTestCompressor()
	c.marks = fakeMarks{src: true}

	res := c.Compress(context.Background(), src, Options{OutputDir: out, SkipMarked: true})
	assertExactlyOne(t, res)
	if res.Method != "copy (already compressed)" {
		t.Errorf("Expected pass-through, got %s", res.Method)
	}
	if *res.NewSize != *res.OriginalSize {
		t.Errorf("Expected unchanged size, got %d -> %d", *res.OriginalSize, *res.NewSize)
	}

	res = c.Compress(context.Background(), src, Options{OutputDir: out, SkipMarked: false})
	if !strings.HasPrefix(res.Method, "imaging(JPEG") {
		t.Errorf("Expected re-encode when skipping is off, got %s", res.Method)
	}
}

func TestPlan(t *testing.T) {
	c := newTestCompressor()
	opts := Options{PreferExternal: true, ExternalTool: "/usr/bin/pngquant"}

	if got := c.Plan("/in/b.png", opts); len(got) != 2 || got[0] != "pngquant" || got[1] != "png re-encode" {
		t.Errorf("Unexpected PNG plan %v", got)
	}
	opts.PreferExternal = false
	if got := c.Plan("/in/b.png", opts); len(got) != 1 || got[0] != "png re-encode" {
		t.Errorf("Unexpected PNG plan without external %v", got)
	}
	if got := c.Plan("/in/a.jpeg", opts); len(got) != 1 || got[0] != "jpeg re-encode" {
		t.Errorf("Unexpected JPEG plan %v", got)
	}
	if got := c.Plan("/in/c.webp", opts); len(got) != 1 || got[0] != "copy" {
		t.Errorf("Unexpected other plan %v", got)
	}
}

func TestFlattenOnWhite(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})

	flat := flattenOnWhite(img)
	if r, g, b, _ := flat.At(1, 1).RGBA(); r>>8 != 255 || g>>8 != 255 || b>>8 != 255 {
		t.Errorf("Expected transparent pixel to become white, got %d %d %d", r>>8, g>>8, b>>8)
	}
	if r, g, _, _ := flat.At(0, 0).RGBA(); r>>8 != 255 || g>>8 != 0 {
		t.Errorf("Expected opaque pixel to be kept, got %d %d", r>>8, g>>8)
	}
}

func TestResultSummary(t *testing.T) {
	ok := Result{
		SourcePath:   "/in/a.jpg",
		Destination:  "/out/a.jpg",
		OriginalSize: int64Ptr(100 * 1024),
		NewSize:      int64Ptr(25 * 1024),
		Method:       "imaging(JPEG q=80)",
	}
	want := "/in/a.jpg\noriginal: 100 KB, compressed: 25 KB, reduced: 75 KB (75%), method: imaging(JPEG q=80) | dst: /out/a.jpg"
	if got := ok.Summary(); got != want {
		t.Errorf("Summary() =\n%s\nwant\n%s", got, want)
	}

	grown := ok
	grown.NewSize = int64Ptr(200 * 1024)
	if grown.SavedBytes() != 0 || grown.PercentageSaved() != 0 {
		t.Errorf("Expected no negative savings, got %d / %.1f", grown.SavedBytes(), grown.PercentageSaved())
	}

	failed := FailedResult("/in/x.png", errors.New("boom"))
	if failed.Succeeded() {
		t.Error("Expected failed result")
	}
	if got := failed.Summary(); got != "/in/x.png\n→ Error: boom" {
		t.Errorf("Unexpected failure summary %q", got)
	}
}
