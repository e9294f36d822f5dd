package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Discover loads every script under dir laid out as <dir>/<hook type>/<name>.<ext>.
// Files with no matching runtime are skipped. Units that fail to load are
// returned in the joined error and left out of the result.
func Discover(dir string, rts Runtimes, opts ...UnitOption) ([]*Unit, error) {
	var units []*Unit
	var errs []error
	for _, t := range HookTypes() {
		sub := filepath.Join(dir, string(t))
		entries, err := os.ReadDir(sub)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", sub, err))
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			if e.IsDir() || e.Name()[0] == '.' {
				continue
			}
			path := filepath.Join(sub, e.Name())
			if _, err := rts.ForPath(path); err != nil {
				continue
			}
			u, err := LoadFile(path, t, rts, opts...)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			units = append(units, u)
		}
	}
	return units, errors.Join(errs...)
}
