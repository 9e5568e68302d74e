//go:build windows

package backend

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// volumeStats returns filesystem statistics for path.
func volumeStats(path string) (Volume, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return Volume{}, fmt.Errorf("utf16 path: %w", err)
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return Volume{}, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", path, err)
	}
	return Volume{
		Total:     int64(total),
		Used:      int64(total - free),
		Available: int64(avail),
	}, nil
}
