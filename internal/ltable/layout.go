// Package ltable owns the on-disk layout for one relation: the page
// directory, page-range/tail-page bookkeeping, rid allocation, and the
// buffer pool and index instances that belong to it.
package ltable

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

func tableRoot(dbPath, name string) string {
	return filepath.Join(dbPath, "_tables", name)
}

func pageRangeDir(tableRoot string, rangeIndex int) string {
	return filepath.Join(tableRoot, fmt.Sprintf("pagerange_%d", rangeIndex))
}

func basePagePath(tableRoot string, rangeIndex, pageIndex int) string {
	return filepath.Join(pageRangeDir(tableRoot, rangeIndex), "base", fmt.Sprintf("page_%d", pageIndex))
}

func tailPagePath(tableRoot string, rangeIndex, pageIndex int) string {
	return filepath.Join(pageRangeDir(tableRoot, rangeIndex), "tail", fmt.Sprintf("page_%d", pageIndex))
}

func metadataPath(dbPath, name string) string {
	return filepath.Join(tableRoot(dbPath, name), name+"_metadata.gob")
}

func indexSnapshotPath(dbPath, name string) string {
	return filepath.Join(tableRoot(dbPath, name), name+"_index.gob")
}

// pageRangeIndexFromPath recovers the page range index encoded in a
// base or tail page path's "pagerange_N" component.
func pageRangeIndexFromPath(path string) (int, error) {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for _, p := range parts {
		if strings.HasPrefix(p, "pagerange_") {
			return strconv.Atoi(strings.TrimPrefix(p, "pagerange_"))
		}
	}
	return 0, fmt.Errorf("ltable: no pagerange component in path %q", path)
}

// pageIndexFromPath recovers the page index encoded in a base or tail
// page path's "page_N" component.
func pageIndexFromPath(path string) (int, error) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "page_") {
		return 0, fmt.Errorf("ltable: no page component in path %q", path)
	}
	return strconv.Atoi(strings.TrimPrefix(base, "page_"))
}
