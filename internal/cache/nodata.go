package cache

import (
	"fmt"
	"os"
	"path/filepath"
)

// noDataSuffix marks a cache file whose remote fetch returned nothing.
// Marked days are skipped on later backfill runs instead of refetched.
const noDataSuffix = "-NODATA"

// MarkNoData records that file has no remote data available.
func MarkNoData(file string) error {
	marker := file + noDataSuffix
	if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory for %s: %w", marker, err)
	}
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", marker, err)
	}
	return nil
}

// HasNoData reports whether file was previously marked as having no data.
func HasNoData(file string) bool {
	_, err := os.Stat(file + noDataSuffix)
	return err == nil
}
