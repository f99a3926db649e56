// Package validation performs the structural checks on uploaded module
// artifacts before they reach the registry.
package validation

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/operato/modrunner/internal/domain/oplog"
	"github.com/operato/modrunner/internal/storage"
)

// Error reports a failed structural check. The upload is rejected; nothing is
// registered.
type Error struct {
	Filename string
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Filename, e.Message)
}

// handlerToken must appear in handler.py for the artifact to be runnable.
const handlerToken = "def handler("

var requiredFiles = []string{"handler.py", "requirements.txt"}

// Pipeline runs the checks and records one ValidationLog row per check,
// short-circuiting on the first failure.
type Pipeline struct {
	logs storage.LogStore
}

// New creates a pipeline recording into the given log store.
func New(logs storage.LogStore) *Pipeline {
	return &Pipeline{logs: logs}
}

// Run validates the staged upload directory, which must contain exactly one
// archive (zip or tar.gz). On success it returns the directory holding the
// extracted tree.
func (p *Pipeline) Run(ctx context.Context, stagedDir string) (string, error) {
	archivePath, err := singleArchive(stagedDir)
	if err != nil {
		return "", p.fail(ctx, filepath.Base(stagedDir), "not a valid archive")
	}
	filename := filepath.Base(archivePath)

	extracted := filepath.Join(stagedDir, "extracted")
	if err := os.MkdirAll(extracted, 0o755); err != nil {
		return "", err
	}
	if err := extract(archivePath, extracted); err != nil {
		return "", p.fail(ctx, filename, "not a valid archive")
	}
	p.pass(ctx, filename, "archive extracted")

	files := map[string]string{}
	err = filepath.Walk(extracted, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		files[strings.ToLower(info.Name())] = path
		return nil
	})
	if err != nil {
		return "", err
	}

	for _, required := range requiredFiles {
		if _, ok := files[required]; !ok {
			return "", p.fail(ctx, filename, "missing required file "+required)
		}
	}
	if _, hasReadme := files["readme"]; !hasReadme {
		if _, hasMD := files["readme.md"]; !hasMD {
			return "", p.fail(ctx, filename, "missing required file README")
		}
	}
	p.pass(ctx, filename, "required files present")

	handlerSrc, err := os.ReadFile(files["handler.py"])
	if err != nil {
		return "", err
	}
	if !strings.Contains(string(handlerSrc), handlerToken) {
		return "", p.fail(ctx, filename, "handler.py does not define handler(input)")
	}
	p.pass(ctx, filename, "handler entry point found")

	return extracted, nil
}

func (p *Pipeline) pass(ctx context.Context, filename, message string) {
	_, _ = p.logs.AppendValidationLog(ctx, oplog.ValidationLog{
		Filename: filename,
		Status:   oplog.ValidationSuccess,
		Message:  message,
	})
}

func (p *Pipeline) fail(ctx context.Context, filename, message string) error {
	_, _ = p.logs.AppendValidationLog(ctx, oplog.ValidationLog{
		Filename: filename,
		Status:   oplog.ValidationFail,
		Message:  message,
	})
	return &Error{Filename: filename, Message: message}
}

// singleArchive returns the one archive file in dir, erroring when there are
// zero or several candidates.
func singleArchive(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var found []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if strings.HasSuffix(name, ".zip") || strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz") {
			found = append(found, filepath.Join(dir, entry.Name()))
		}
	}
	if len(found) != 1 {
		return "", errors.New("expected exactly one archive")
	}
	return found[0], nil
}

func extract(archivePath, dst string) error {
	name := strings.ToLower(archivePath)
	if strings.HasSuffix(name, ".zip") {
		return extractZip(archivePath, dst)
	}
	return extractTarGz(archivePath, dst)
}

func extractZip(archivePath, dst string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	for _, file := range reader.File {
		target, err := safeJoin(dst, file.Name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := file.Open()
		if err != nil {
			return err
		}
		if err := writeFile(target, src, file.Mode().Perm()); err != nil {
			src.Close()
			return err
		}
		src.Close()
	}
	return nil
}

func extractTarGz(archivePath, dst string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		}
	}
}

// safeJoin rejects entries that would escape the destination directory.
func safeJoin(dst, name string) (string, error) {
	target := filepath.Join(dst, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return target, nil
}

func writeFile(target string, src io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
