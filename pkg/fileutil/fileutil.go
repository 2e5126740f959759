// Package fileutil locates game files whose names may differ in case from
// the names scripts and command lines use (legacy data ships DOS names).
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FindFileCaseInsensitive returns the path of the regular file in dir whose
// name equals filename ignoring case.
func FindFileCaseInsensitive(dir, filename string) (string, error) {
	return findEntry(dir, filename, false)
}

// Resolve returns path when it exists as given. Otherwise each component is
// matched case-insensitively against the directory it lives in, so
// "data/GAME.SCOM" finds "Data/game.scom".
func Resolve(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	clean := filepath.Clean(path)
	dir, base := filepath.Dir(clean), filepath.Base(clean)
	if dir == clean || base == "." || base == ".." {
		return "", fmt.Errorf("file not found: %s", path)
	}
	resolvedDir, err := Resolve(dir)
	if err != nil {
		return "", err
	}
	return findEntry(resolvedDir, base, true)
}

func findEntry(dir, name string, allowDir bool) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() && !allowDir {
			continue
		}
		if strings.EqualFold(entry.Name(), name) {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("file not found: %s (searched in %s)", name, dir)
}
