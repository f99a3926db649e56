// Package artifact owns the on-disk layout of module sources and provisioned
// environments:
//
//	modules/<name>/<version>/  immutable extracted source trees
//	module_envs/<name>/        staged sources for the active version
//	module_envs/<name>/.runtime/  provisioned runtime (interpreter, deps)
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// RuntimeDirName is the environment subdirectory that survives re-staging.
const RuntimeDirName = ".runtime"

const stagingSuffix = ".staging"

// Store resolves and manipulates artifact paths under a configured root.
type Store struct {
	root string
}

// New creates a store rooted at dir, creating the top-level layout.
func New(root string) (*Store, error) {
	s := &Store{root: root}
	for _, dir := range []string{s.modulesRoot(), s.envsRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact root: %w", err)
		}
	}
	return s, nil
}

func (s *Store) modulesRoot() string { return filepath.Join(s.root, "modules") }
func (s *Store) envsRoot() string    { return filepath.Join(s.root, "module_envs") }

// ModuleDir is the per-module source root.
func (s *Store) ModuleDir(name string) string {
	return filepath.Join(s.modulesRoot(), name)
}

// SourceDir is the immutable source tree of one version.
func (s *Store) SourceDir(name, version string) string {
	return filepath.Join(s.modulesRoot(), name, version)
}

// EnvDir is the staged environment directory executions read from.
func (s *Store) EnvDir(name string) string {
	return filepath.Join(s.envsRoot(), name)
}

// RuntimeDir is the provisioned runtime inside the environment directory.
func (s *Store) RuntimeDir(name string) string {
	return filepath.Join(s.EnvDir(name), RuntimeDirName)
}

// HasRuntime reports whether a provisioned runtime exists for the module.
func (s *Store) HasRuntime(name string) bool {
	info, err := os.Stat(s.RuntimeDir(name))
	return err == nil && info.IsDir()
}

// StoreSource copies the staged upload at tmpDir into the version's source
// directory. When tmpDir holds exactly one top-level directory, its contents
// (not the directory itself) become the stored root.
func (s *Store) StoreSource(name, version, tmpDir string) error {
	src, err := collapseRoot(tmpDir)
	if err != nil {
		return err
	}
	dst := s.SourceDir(name, version)
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear source dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyTree(src, dst)
}

// StageActive replaces the staged sources in the environment directory with
// the chosen version's tree using stage-then-swap: the new tree is built in a
// sibling directory, the runtime subdirectory is carried over by rename, the
// previous tree is removed and the sibling is renamed into place. The new
// tree is never visible half-copied; between the removal of the previous
// tree and the final rename the environment directory is partly removed or
// absent.
func (s *Store) StageActive(name, version string) error {
	src := s.SourceDir(name, version)
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return fmt.Errorf("source tree for %s/%s not found", name, version)
	}

	envDir := s.EnvDir(name)
	staging := envDir + stagingSuffix
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	if err := copyTree(src, staging); err != nil {
		return fmt.Errorf("stage sources: %w", err)
	}

	runtime := s.RuntimeDir(name)
	if info, err := os.Stat(runtime); err == nil && info.IsDir() {
		if err := os.Rename(runtime, filepath.Join(staging, RuntimeDirName)); err != nil {
			return fmt.Errorf("carry runtime dir: %w", err)
		}
	}

	if err := os.RemoveAll(envDir); err != nil {
		return fmt.Errorf("drop previous env: %w", err)
	}
	if err := os.Rename(staging, envDir); err != nil {
		return fmt.Errorf("swap env dir: %w", err)
	}
	return nil
}

// CopyEnvTo exports the staged sources (runtime excluded) into dst, e.g. as
// a container build context.
func (s *Store) CopyEnvTo(name, dst string) error {
	envDir := s.EnvDir(name)
	entries, err := os.ReadDir(envDir)
	if err != nil {
		return fmt.Errorf("read env dir: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == RuntimeDirName {
			continue
		}
		src := filepath.Join(envDir, entry.Name())
		target := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyTree(src, target); err != nil {
				return err
			}
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if err := copyFile(src, target, info.Mode().Perm()); err != nil {
			return err
		}
	}
	return nil
}

// RemoveEnv deletes the environment directory, runtime included.
func (s *Store) RemoveEnv(name string) error {
	if err := os.RemoveAll(s.EnvDir(name) + stagingSuffix); err != nil {
		return err
	}
	return os.RemoveAll(s.EnvDir(name))
}

// RemoveSource deletes one version's source tree, or the whole module source
// root when no version is given.
func (s *Store) RemoveSource(name string, version ...string) error {
	if len(version) == 0 {
		return os.RemoveAll(s.ModuleDir(name))
	}
	for _, v := range version {
		if err := os.RemoveAll(s.SourceDir(name, v)); err != nil {
			return err
		}
	}
	return nil
}

// collapseRoot applies the single-top-level-directory rule.
func collapseRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read upload dir: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
