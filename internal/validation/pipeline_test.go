package validation

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/operato/modrunner/internal/domain/oplog"
	"github.com/operato/modrunner/internal/storage/memory"
)

func stageArchive(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "module.zip"))
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip entry: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return dir
}

func validArtifact() map[string]string {
	return map[string]string{
		"handler.py":       "def handler(input):\n    return input\n",
		"requirements.txt": "",
		"README.md":        "docs",
	}
}

func failRows(t *testing.T, store *memory.Store) []oplog.ValidationLog {
	t.Helper()
	rows, err := store.ListValidationLogs(context.Background(), 0)
	if err != nil {
		t.Fatalf("list validation logs: %v", err)
	}
	var fails []oplog.ValidationLog
	for _, row := range rows {
		if row.Status == oplog.ValidationFail {
			fails = append(fails, row)
		}
	}
	return fails
}

func TestPipelineAcceptsValidArtifact(t *testing.T) {
	store := memory.New()
	p := New(store)

	extracted, err := p.Run(context.Background(), stageArchive(t, validArtifact()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(extracted, "handler.py")); err != nil {
		t.Fatalf("extracted tree incomplete: %v", err)
	}
	if fails := failRows(t, store); len(fails) != 0 {
		t.Fatalf("unexpected fail rows: %v", fails)
	}
}

func TestPipelineRejectsNonArchive(t *testing.T) {
	store := memory.New()
	p := New(store)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "module.zip"), []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := p.Run(context.Background(), dir)
	var valErr *Error
	if !errors.As(err, &valErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fails := failRows(t, store)
	if len(fails) != 1 {
		t.Fatalf("expected exactly one fail row, got %d", len(fails))
	}
	if fails[0].Message != "not a valid archive" {
		t.Fatalf("unexpected message %q", fails[0].Message)
	}
}

func TestPipelineRejectsMultipleArchives(t *testing.T) {
	store := memory.New()
	p := New(store)

	dir := stageArchive(t, validArtifact())
	if err := os.WriteFile(filepath.Join(dir, "second.zip"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := p.Run(context.Background(), dir); err == nil {
		t.Fatalf("expected failure for two archives")
	}
	if fails := failRows(t, store); len(fails) != 1 {
		t.Fatalf("expected one fail row, got %d", len(fails))
	}
}

func TestPipelineRequiresHandlerFile(t *testing.T) {
	store := memory.New()
	p := New(store)

	files := validArtifact()
	delete(files, "handler.py")

	_, err := p.Run(context.Background(), stageArchive(t, files))
	if err == nil {
		t.Fatalf("expected failure for missing handler.py")
	}
	fails := failRows(t, store)
	if len(fails) != 1 {
		t.Fatalf("expected short-circuit with one fail row, got %d", len(fails))
	}
}

func TestPipelineRequiresReadme(t *testing.T) {
	store := memory.New()
	p := New(store)

	files := validArtifact()
	delete(files, "README.md")

	if _, err := p.Run(context.Background(), stageArchive(t, files)); err == nil {
		t.Fatalf("expected failure for missing README")
	}
}

func TestPipelineRequiresHandlerToken(t *testing.T) {
	store := memory.New()
	p := New(store)

	files := validArtifact()
	files["handler.py"] = "def main(input):\n    return input\n"

	if _, err := p.Run(context.Background(), stageArchive(t, files)); err == nil {
		t.Fatalf("expected failure for missing handler definition")
	}
	fails := failRows(t, store)
	if len(fails) != 1 {
		t.Fatalf("expected one fail row, got %d", len(fails))
	}
}

func TestPipelineMatchesFilesCaseInsensitive(t *testing.T) {
	store := memory.New()
	p := New(store)

	files := map[string]string{
		"Handler.py":       "def handler(input):\n    return input\n",
		"Requirements.TXT": "",
		"readme":           "docs",
	}
	if _, err := p.Run(context.Background(), stageArchive(t, files)); err != nil {
		t.Fatalf("case-insensitive match failed: %v", err)
	}
}
