package keyValStore

import (
	"errors"
	"fmt"
	"os"
)

// CompactionPolicy decides, from the number of live and deleted entries,
// whether a box should be compacted.
type CompactionPolicy func(live, deleted int) bool

const (
	compactionFloor    = 20
	compactionFraction = 10 // deleted must exceed live/compactionFraction
)

// DefaultCompaction compacts once more than 20 entries were deleted and the
// deletions exceed a tenth of the live entries.
func DefaultCompaction(live, deleted int) bool {
	return deleted > compactionFloor && deleted > live/compactionFraction
}

func (bc *BoxConfig) checkConfig() error {
	if bc.Name == "" {
		return errors.New("box name is empty")
	}
	if bc.Compaction == nil {
		bc.Compaction = DefaultCompaction
	}
	if len(bc.EncryptionKey) != 0 && len(bc.EncryptionKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(bc.EncryptionKey))
	}

	if bc.InMemory {
		return nil
	}

	if bc.Path == "" {
		return errors.New("no path provided for on-disk box")
	}
	if err := os.MkdirAll(bc.Path, 0o700); err != nil {
		return fmt.Errorf("creating box directory: %w", err)
	}
	info, err := os.Stat(bc.Path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	if bc.MinimumFreeSpace > 0 {
		ok, err := hasFreeSpace(bc.Path, bc.MinimumFreeSpace)
		if err != nil {
			return fmt.Errorf("reading disk usage: %w", err)
		}
		if !ok {
			return fmt.Errorf("less than %d GB free below %s", bc.MinimumFreeSpace, bc.Path)
		}
	}

	return nil
}
