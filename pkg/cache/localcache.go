package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

func NewCache(dp string) *LocalCache {
	return &LocalCache{
		dataPath: dp,
		log:      logrus.WithField("name", "cache"),
	}
}

func (c *LocalCache) GetDataPath() string {
	return c.dataPath
}

// Computes the on-disk file for a request url, see ComputeCachePath
func (c *LocalCache) ResolvePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return ComputeCachePath(c.dataPath, u.Hostname(), u.Path)
}

/*
Get status of cached item:

	STATUS_NOT_FOUND   = -1
	STATUS_IN_PROGRESS = 1
	STATUS_AVAILABLE   = 2

The marker and the plain file can coexist for a short time while the agent
finishes, the marker always wins.
*/
func (c *LocalCache) Lookup(rawURL string) (int, error) {
	cachePath, err := c.ResolvePath(rawURL)
	if err != nil {
		return STATUS_NOT_FOUND, err
	}
	return lookupPath(cachePath), nil
}

func lookupPath(cachePath string) int {
	if _, err := os.Stat(ComputeMarkerFile(cachePath)); err == nil {
		return STATUS_IN_PROGRESS
	}

	info, err := os.Stat(cachePath)
	if err != nil || info.IsDir() {
		return STATUS_NOT_FOUND
	}
	return STATUS_AVAILABLE
}

// Read the whole cached file. Callers must tolerate ErrNotFound even after
// Lookup returned STATUS_AVAILABLE.
func (c *LocalCache) ReadCached(rawURL string) ([]byte, error) {
	cachePath, err := c.ResolvePath(rawURL)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(cachePath)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cachePath)
	}
	if err != nil {
		return nil, err
	}

	c.log.Tracef("reading cached file %s", cachePath)
	data, err := os.ReadFile(cachePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cachePath)
	}
	return data, err
}

// Directory and file name the agent should save the download to
func (c *LocalCache) SaveTarget(cachePath string) (string, string) {
	return filepath.Dir(cachePath), filepath.Base(cachePath)
}
