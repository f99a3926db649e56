package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// scratch holds the per-execution files the driver reads and writes. All of
// them live under one temp directory removed on every exit path.
type scratch struct {
	dir        string
	inputPath  string
	outputPath string
	scriptPath string
}

// newScratch marshals the input and generates the Python driver that imports
// handler from sourceDir, runs it and writes the return value.
func newScratch(sourceDir string, input map[string]any) (*scratch, error) {
	dir, err := os.MkdirTemp("", "modrunner-exec-*")
	if err != nil {
		return nil, err
	}
	s := &scratch{
		dir:        dir,
		inputPath:  filepath.Join(dir, "input.json"),
		outputPath: filepath.Join(dir, "output.json"),
		scriptPath: filepath.Join(dir, "driver.py"),
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		s.remove()
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	if err := os.WriteFile(s.inputPath, inputJSON, 0o600); err != nil {
		s.remove()
		return nil, err
	}
	if err := os.WriteFile(s.scriptPath, []byte(driverScript(sourceDir, s.inputPath, s.outputPath)), 0o600); err != nil {
		s.remove()
		return nil, err
	}
	return s, nil
}

func (s *scratch) remove() {
	_ = os.RemoveAll(s.dir)
}

// readOutput parses the driver's output file; a missing file yields nil.
func (s *scratch) readOutput() any {
	data, err := os.ReadFile(s.outputPath)
	if err != nil {
		return nil
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

func driverScript(sourceDir, inputPath, outputPath string) string {
	return fmt.Sprintf(`import json
import sys

sys.path.insert(0, %q)

from handler import handler

with open(%q, 'r') as f:
    input_data = json.load(f)

result = handler(input_data)

with open(%q, 'w') as f:
    json.dump(result, f)
`, sourceDir, inputPath, outputPath)
}

// runDriver executes the command under the wall-clock timeout, capturing both
// output streams. timedOut is set when the clock expired and the child was
// killed; err is set only for platform faults (missing binary, cancellation).
func runDriver(ctx context.Context, timeout time.Duration, bin string, args ...string) (exitCode int, stdout, stderr string, timedOut bool, err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return 0, "", "", true, nil
	}
	if ctx.Err() != nil {
		return 0, "", "", false, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return exitErr.ExitCode(), outBuf.String(), errBuf.String(), false, nil
		}
		return 0, "", "", false, runErr
	}
	return 0, outBuf.String(), errBuf.String(), false, nil
}
