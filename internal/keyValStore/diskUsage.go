package keyValStore

import (
	"io/fs"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

const gigabyte = 1 << 30

// boxSize sums the sizes of the regular files below dir.
func boxSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// logDiskUsage reports the free space of the filesystem under the box next to
// the bytes the box itself occupies. Failures are only logged.
func logDiskUsage(log *logrus.Entry, dir string) {
	usage, err := disk.Usage(dir)
	if err != nil {
		log.Debugf("disk usage unavailable: %v", err)
		return
	}
	size, err := boxSize(dir)
	if err != nil {
		log.Debugf("box size unavailable: %v", err)
		return
	}

	log.WithFields(logrus.Fields{
		"fs":        usage.Fstype,
		"free_gb":   float64(usage.Free) / gigabyte,
		"used_pct":  usage.UsedPercent,
		"box_bytes": size,
	}).Debug("box storage")
}

// hasFreeSpace reports whether the filesystem under dir has at least minGB
// gigabytes available.
func hasFreeSpace(dir string, minGB int) (bool, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return false, err
	}
	return usage.Free/gigabyte >= uint64(minGB), nil
}
