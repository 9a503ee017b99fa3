package registry

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/metadata"
	"chatd/pkg/types"
)

func TestScanDirFiltersGGUF(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"a.gguf",
		"b.GGUF", // case-insensitive
		"not-model.txt",
		"model.bin",
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(""), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.gguf"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	names, err := ScanDir(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 files, got %d: %v", len(names), names)
	}
}

func TestScanDirMissing(t *testing.T) {
	if _, err := ScanDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}

func TestInferFamily(t *testing.T) {
	cases := []struct {
		name string
		want types.Family
	}{
		{"qwen2-instruct-q4.gguf", types.FamilyQwen},
		{"Qwen2.5-Coder.Q5.gguf", types.FamilyQwen},
		{"TinyLlama.Q4_K_M.gguf", types.FamilyLlama},
		{"mixtral-8x7b.gguf", types.FamilyMistral},
		{"mistral-7b-v0.3.gguf", types.FamilyMistral},
		{"Phi-3-mini.gguf", types.FamilyPhi},
		{"gemma-2-9b.gguf", types.FamilyGemma},
		{"deepseek-r1-distill.gguf", types.FamilyDeepSeek},
		{"mystery-model.gguf", types.FamilyUnknown},
	}
	for _, c := range cases {
		if got := InferFamily(c.name); got != c.want {
			t.Errorf("InferFamily(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestKnownFamiliesNoDuplicates(t *testing.T) {
	fams := KnownFamilies()
	seen := map[types.Family]bool{}
	for _, f := range fams {
		if seen[f] {
			t.Fatalf("duplicate family %q", f)
		}
		seen[f] = true
	}
	if !seen[types.FamilyMistral] || !seen[types.FamilyLlama] {
		t.Fatalf("missing expected families: %v", fams)
	}
}

func TestReconcileSynthesizesRecords(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "qwen2-instruct-q4.gguf"), make([]byte, 500), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := metadata.Open(filepath.Join(dir, "artifacts.json"), zerolog.Nop())

	r := NewReconciler(dir, zerolog.Nop())
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	if err := r.Run(store); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rec, ok := store.Get("qwen2-instruct-q4.gguf")
	if !ok {
		t.Fatalf("record not synthesized")
	}
	if rec.Family != types.FamilyQwen {
		t.Fatalf("expected qwen family, got %q", rec.Family)
	}
	if rec.SizeBytes == nil || *rec.SizeBytes != 500 {
		t.Fatalf("expected size 500, got %v", rec.SizeBytes)
	}
	if !rec.DownloadDate.Equal(fixed) {
		t.Fatalf("expected reconciliation time, got %v", rec.DownloadDate)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"a-llama.gguf", "b-phi.gguf"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	store := metadata.Open(filepath.Join(dir, "artifacts.json"), zerolog.Nop())
	r := NewReconciler(dir, zerolog.Nop())
	if err := r.Run(store); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := store.All()
	if err := r.Run(store); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second := store.All()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("reconciliation not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestReconcileKeepsExistingRecords(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a-llama.gguf"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := metadata.Open(filepath.Join(dir, "artifacts.json"), zerolog.Nop())
	orig := types.ArtifactRecord{
		Filename:     "a-llama.gguf",
		Family:       types.FamilyUnknown, // deliberately different from inference
		DownloadDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	store.Upsert(orig)

	r := NewReconciler(dir, zerolog.Nop())
	if err := r.Run(store); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, _ := store.Get("a-llama.gguf")
	if got.Family != types.FamilyUnknown || !got.DownloadDate.Equal(orig.DownloadDate) {
		t.Fatalf("tracked record was overwritten: %+v", got)
	}
}
