package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KernelSpecFile is the launch descriptor file inside a kernel spec dir.
const KernelSpecFile = "kernel.json"

// DefaultSearchPaths returns the directories scanned for installed kernel
// specs: any entries of JUPYTER_PATH, the user's data dir, and the system
// data dirs, each holding a kernels/ subdirectory.
func DefaultSearchPaths() []string {
	var paths []string
	for _, p := range filepath.SplitList(os.Getenv("JUPYTER_PATH")) {
		if p != "" {
			paths = append(paths, filepath.Join(p, "kernels"))
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".local", "share", "jupyter", "kernels"))
	}
	paths = append(paths,
		"/usr/local/share/jupyter/kernels",
		"/usr/share/jupyter/kernels",
	)
	return paths
}

// LoadKernelSpecDir reads the kernel spec from a spec directory and records
// the directory as the spec's resource dir.
func LoadKernelSpecDir(dir string) (*KernelSpec, error) {
	b, err := os.ReadFile(filepath.Join(dir, KernelSpecFile))
	if err != nil {
		return nil, fmt.Errorf("reading kernel spec: %w", err)
	}
	var spec KernelSpec
	if err := json.Unmarshal(b, &spec); err != nil {
		return nil, fmt.Errorf("parsing kernel spec in %s: %w", dir, err)
	}
	spec.ResourceDir = dir
	return &spec, nil
}

// FindKernelSpecs scans the search paths for installed kernel specs, keyed by
// their lowercased directory name. Earlier search paths shadow later ones.
func FindKernelSpecs(searchPaths []string) map[string]string {
	specs := map[string]string{}
	for _, searchPath := range searchPaths {
		entries, err := os.ReadDir(searchPath)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			name := strings.ToLower(e.Name())
			dir := filepath.Join(searchPath, e.Name())
			if _, err := os.Stat(filepath.Join(dir, KernelSpecFile)); err != nil {
				continue
			}
			if _, ok := specs[name]; !ok {
				specs[name] = dir
			}
		}
	}
	return specs
}

// GetKernelSpec finds an installed kernel spec by name.
func GetKernelSpec(name string, searchPaths []string) (*KernelSpec, error) {
	if len(searchPaths) == 0 {
		searchPaths = DefaultSearchPaths()
	}
	dir, ok := FindKernelSpecs(searchPaths)[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("no kernel spec named %q", name)
	}
	return LoadKernelSpecDir(dir)
}
