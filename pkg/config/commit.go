package config

import (
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/aretw0/binlens/pkg/domain"
)

// Commit runs full validation over the draft. On success it returns a frozen
// config; on failure it returns a *domain.ValidationError with every violation
// and the draft stays editable.
func Commit(d *Draft) (domain.AnalysisConfig, error) {
	var errs []*domain.FieldError
	for _, f := range Fields {
		errs = append(errs, d.validateField(f)...)
	}
	if len(errs) > 0 {
		return domain.AnalysisConfig{}, &domain.ValidationError{Fields: errs}
	}

	cfg := d.cfg.Clone()
	for i, lp := range cfg.LibraryPaths {
		cfg.LibraryPaths[i].Path = filepath.Clean(lp.Path)
	}
	return cfg.Freeze(), nil
}

// Validate reports whether cfg would commit under the schema set by opts,
// the default one otherwise. Configs restored from storage lose their frozen
// marker and go through this again.
func Validate(cfg domain.AnalysisConfig, opts ...Option) (domain.AnalysisConfig, error) {
	return Commit(DraftFrom(cfg, opts...))
}

// defaultEntryNames are the conventional program entry functions.
var defaultEntryNames = []string{"_start", "main", "WinMain", "wWinMain", "DllMain"}

// DefaultEntrypoints picks the conventional entry functions out of candidates,
// falling back to the first candidate when none match.
func DefaultEntrypoints(candidates []string) []string {
	var out []string
	for _, c := range candidates {
		if slices.Contains(defaultEntryNames, c) {
			out = append(out, c)
		}
	}
	if len(out) == 0 && len(candidates) > 0 {
		out = []string{candidates[0]}
	}
	return out
}

// LibraryExtensions are the file suffixes recognized as libraries.
var LibraryExtensions = []string{".so", ".dylib", ".dll", ".a", ".lib"}

// ContainsLibraries reports whether dir directly holds at least one library file.
func ContainsLibraries(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Type().IsRegular() && slices.Contains(LibraryExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			return true
		}
	}
	return false
}

// DefaultSearchPaths returns the platform library directories that exist on this host.
func DefaultSearchPaths() []domain.LibraryPath {
	return searchPaths(runtime.GOOS, os.Getenv, func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	})
}

func searchPaths(goos string, getenv func(string) string, exists func(string) bool) []domain.LibraryPath {
	var paths []string
	switch {
	case goos == "linux":
		paths = append(paths, "/lib", "/lib64", "/usr/lib", "/usr/lib64", "/usr/local/lib", "/usr/local/lib64")
		paths = append(paths, strings.Split(getenv("LD_LIBRARY_PATH"), ":")...)
	case goos == "darwin":
		paths = append(paths, "/usr/lib", "/usr/local/lib", "/opt/homebrew/lib", "/opt/local/lib")
		paths = append(paths, strings.Split(getenv("DYLD_LIBRARY_PATH"), ":")...)
	case goos == "windows":
		root := getenv("SystemRoot")
		if root == "" {
			root = `C:\Windows`
		}
		paths = append(paths, filepath.Join(root, "System32"), filepath.Join(root, "SysWOW64"))
		paths = append(paths, strings.Split(getenv("PATH"), ";")...)
	}

	var out []domain.LibraryPath
	seen := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		n := filepath.Clean(p)
		if seen[n] || !exists(n) {
			continue
		}
		seen[n] = true
		out = append(out, domain.LibraryPath{Path: n, Kind: domain.LibraryShared})
	}
	return out
}
