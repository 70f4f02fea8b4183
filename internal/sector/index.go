package sector

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxIndexDepth is how many directory levels below the project root become
// sectors.
const maxIndexDepth = 2

// ListTracked returns git-tracked file paths, or nil when the lister is
// unavailable. The engine passes a closure over its git runner.
type ListTracked func() ([]string, error)

// BuildIndex walks the project two levels deep and returns fresh sectors.
// Git-tracked directories are preferred; when no tracker is available the
// filesystem walk decides, skipping dot-directories and vendored trees.
func BuildIndex(projectRoot string, tracked ListTracked) ([]Sector, error) {
	files, err := trackedFiles(projectRoot, tracked)
	if err != nil {
		return nil, err
	}

	type agg struct {
		files      int
		production int
	}
	dirs := make(map[string]*agg)
	for _, f := range files {
		dir := sectorDir(f)
		if dir == "" {
			continue
		}
		a := dirs[dir]
		if a == nil {
			a = &agg{}
			dirs[dir] = a
		}
		a.files++
		if productionFile(f) {
			a.production++
		}
	}

	var sectors []Sector
	for dir, a := range dirs {
		purpose, confidence := classify(dir)
		sectors = append(sectors, Sector{
			Path:                     dir,
			Purpose:                  purpose,
			Production:               a.production > 0,
			FileCount:                a.files,
			ProductionFileCount:      a.production,
			ClassificationConfidence: confidence,
		})
	}
	sort.Slice(sectors, func(i, j int) bool { return sectors[i].Path < sectors[j].Path })
	return sectors, nil
}

// trackedFiles prefers git-tracked paths, falling back to a bounded walk.
func trackedFiles(projectRoot string, tracked ListTracked) ([]string, error) {
	if tracked != nil {
		if files, err := tracked(); err == nil && len(files) > 0 {
			return files, nil
		}
	}

	var files []string
	root := filepath.Clean(projectRoot)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if strings.HasPrefix(name, ".") || skipDirs[name] {
				return filepath.SkipDir
			}
			if strings.Count(rel, string(filepath.Separator)) >= maxIndexDepth+1 {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
}

// sectorDir maps a file to its sector directory: at most two path levels.
func sectorDir(file string) string {
	file = filepath.ToSlash(file)
	parts := strings.Split(file, "/")
	if len(parts) <= 1 {
		return "." // root-level files form their own sector
	}
	depth := len(parts) - 1
	if depth > maxIndexDepth {
		depth = maxIndexDepth
	}
	dir := strings.Join(parts[:depth], "/")
	if top := parts[0]; strings.HasPrefix(top, ".") || skipDirs[top] {
		return ""
	}
	return dir
}

// productionFile is a rough "ships to users" test: source files outside
// test and fixture trees.
func productionFile(file string) bool {
	lower := strings.ToLower(file)
	if strings.Contains(lower, "_test.") || strings.Contains(lower, "/test") ||
		strings.Contains(lower, "/fixtures/") || strings.Contains(lower, "/testdata/") {
		return false
	}
	switch filepath.Ext(lower) {
	case ".md", ".txt", ".json", ".yaml", ".yml", ".toml", ".lock":
		return false
	}
	return true
}

// classify guesses a sector's purpose from its path.
func classify(dir string) (purpose string, confidence float64) {
	base := strings.ToLower(filepath.Base(dir))
	switch {
	case dir == ".":
		return "project root", 0.5
	case base == "cmd" || strings.HasPrefix(dir, "cmd/"):
		return "entry points", 0.8
	case base == "docs" || base == "doc":
		return "documentation", 0.9
	case strings.Contains(base, "test"):
		return "tests", 0.8
	case base == "internal" || strings.HasPrefix(dir, "internal/"):
		return "core implementation", 0.6
	case base == "pkg" || strings.HasPrefix(dir, "pkg/"):
		return "public library", 0.6
	case base == "api" || base == "proto":
		return "API definitions", 0.7
	case base == "scripts" || base == "tools":
		return "tooling", 0.7
	}
	return "", 0.2
}
