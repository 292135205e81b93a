package gc

import (
	"io/fs"
	"path/filepath"

	"github.com/ish-xyz/mirrors-cache/pkg/cache"
)

// DirSize sums the cached files under path.
// Partial downloads are not counted, their size is not final.
func DirSize(path string) (int64, error) {

	var dirSize int64

	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || cache.IsMarkerFile(p) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// removed while walking
			return nil
		}
		dirSize += info.Size()
		return nil
	})

	return dirSize, err
}
