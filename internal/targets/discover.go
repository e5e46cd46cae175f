package targets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"b3cifuzz/internal/types"
)

const EntrySymbol = "LLVMFuzzerTestOneInput"

// executables shipped next to fuzz targets by the build image
var helperBinaries = map[string]struct{}{
	"llvm-symbolizer":         {},
	"afl-fuzz":                {},
	"afl-showmap":             {},
	"honggfuzz":               {},
	"centipede":               {},
	"jazzer_driver":           {},
	"jazzer_agent_deploy.jar": {},
}

var nonTargetExtensions = []string{".zip", ".options", ".dict", ".txt", ".json", ".jar", ".so", ".a"}

// sibling files that belong to a target
var siblingSuffixes = []string{".options", ".dict", "_seed_corpus.zip"}

// Discover lists the fuzz targets at the top level of outDir, sorted by name.
func Discover(outDir, project string) ([]types.FuzzTarget, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}

	var found []types.FuzzTarget
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(outDir, entry.Name())
		ok, err := IsFuzzTarget(path)
		if err != nil {
			return nil, err
		}
		if ok {
			found = append(found, types.FuzzTarget{Name: entry.Name(), Path: path, Project: project})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}

// IsFuzzTarget reports whether path is a regular executable carrying the
// libFuzzer entry point.
func IsFuzzTarget(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() || info.Mode()&0o111 == 0 {
		return false, nil
	}
	name := info.Name()
	if _, ok := helperBinaries[name]; ok {
		return false, nil
	}
	for _, ext := range nonTargetExtensions {
		if strings.HasSuffix(name, ext) {
			return false, nil
		}
	}
	return containsSymbol(path)
}

// containsSymbol scans the file in chunks so large binaries are never held in memory.
func containsSymbol(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	needle := []byte(EntrySymbol)
	buf := make([]byte, 64*1024+len(needle))
	carry := 0
	for {
		n, err := f.Read(buf[carry:])
		window := buf[:carry+n]
		if bytes.Contains(window, needle) {
			return true, nil
		}
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read %s: %w", path, err)
		}
		// keep the tail in case the symbol straddles two reads
		keep := len(needle) - 1
		if len(window) < keep {
			keep = len(window)
		}
		copy(buf, window[len(window)-keep:])
		carry = keep
	}
}

// Release removes a target executable and the files that accompany it.
func Release(target types.FuzzTarget) error {
	var errs []error
	paths := []string{target.Path}
	for _, suffix := range siblingSuffixes {
		paths = append(paths, target.Path+suffix)
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
