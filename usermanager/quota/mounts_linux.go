//go:build linux

package quota

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// mountSourceFor returns the device backing the filesystem that path
// lives on, by picking the longest matching mount point in
// /proc/mounts — quotactl's "special" argument takes a device path,
// not a directory.
func mountSourceFor(path string) (string, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", fmt.Errorf("quota: open /proc/mounts: %w", err)
	}
	defer f.Close()

	best := ""
	bestSource := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		source, mountPoint := fields[0], fields[1]
		if strings.HasPrefix(path, mountPoint) && len(mountPoint) > len(best) {
			best = mountPoint
			bestSource = source
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("quota: read /proc/mounts: %w", err)
	}
	if bestSource == "" {
		return "", fmt.Errorf("quota: no mount found for %s", path)
	}
	return bestSource, nil
}
