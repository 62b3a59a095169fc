package docstore

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

type StoreConfig struct {
	Paths            []string // only the first path is used at the moment
	MinimumFreeSpace int      // in GB
	InMemory         bool     // keep everything in memory, Paths is ignored
	Logger           *logrus.Logger
}

func (sc *StoreConfig) checkConfig() error {
	if sc.InMemory {
		return nil
	}

	if len(sc.Paths) == 0 {
		return errors.New("no path provided in configuration")
	}

	path := sc.Paths[0]
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", path, err)
	}

	availableSpaceInGB := usage.Free / (1024 * 1024 * 1024)
	if sc.MinimumFreeSpace > 0 && availableSpaceInGB < uint64(sc.MinimumFreeSpace) {
		return errors.New("not enough space available on disk")
	}

	return nil
}

// displayDiskUsage logs the disk usage of every configured path.
func displayDiskUsage(log *logrus.Logger, paths []string) {
	for _, path := range paths {
		usage, err := disk.Usage(path)
		if err != nil {
			log.WithFields(logrus.Fields{
				"path": path,
			}).Warnf("Error retrieving disk usage stats: %v", err)
			continue
		}

		log.WithFields(logrus.Fields{
			"Path":       path,
			"Filesystem": usage.Fstype,
			"Total (GB)": fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
			"Used (GB)":  fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
			"Free (GB)":  fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
		}).Info("Disk Usage")
	}
}
