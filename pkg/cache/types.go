package cache

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// written by the download agent next to the target while a transfer is active
	SUFFIX_MARKER_FILE = ".aria2"

	STATUS_NOT_FOUND   = -1
	STATUS_AVAILABLE   = 2
	STATUS_IN_PROGRESS = 1

	NO_TASK = ""
)

var (
	ErrInvalidTarget = errors.New("invalid target")
	ErrNotFound      = errors.New("cache file not found")
)

// Interfaces

type Cache interface {
	ResolvePath(rawURL string) (string, error)
	Lookup(rawURL string) (int, error)
	ReadCached(rawURL string) ([]byte, error)
	SaveTarget(cachePath string) (dir string, file string)
	GetDataPath() string
}

// Types

type LocalCache struct {
	dataPath string
	log      *logrus.Entry
}

// TaskIndex keeps the agent tasks submitted by this process, keyed by cache path.
// The marker file only appears once the agent has started writing, so the index
// covers the window between submission and marker creation.
type TaskIndex struct {
	tasks map[string]string
	lock  sync.RWMutex
}
