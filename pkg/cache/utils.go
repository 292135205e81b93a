package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

func ComputeMarkerFile(cachePath string) string {
	return fmt.Sprintf("%s%s", cachePath, SUFFIX_MARKER_FILE)
}

func IsMarkerFile(name string) bool {
	return strings.HasSuffix(name, SUFFIX_MARKER_FILE)
}

// Joins host and url path under the data path.
// The result must stay inside <datapath>/<host>, anything else is a traversal attempt.
func ComputeCachePath(datapath, host, urlPath string) (string, error) {
	if host == "" || urlPath == "" {
		return "", fmt.Errorf("%w: missing host or path", ErrInvalidTarget)
	}
	if !strings.HasPrefix(urlPath, "/") {
		return "", fmt.Errorf("%w: path '%s' is not absolute", ErrInvalidTarget, urlPath)
	}
	if strings.HasSuffix(urlPath, "/") {
		return "", fmt.Errorf("%w: path '%s' is a directory", ErrInvalidTarget, urlPath)
	}
	if strings.ContainsAny(host, `/\`) || host == "." || host == ".." {
		return "", fmt.Errorf("%w: invalid host '%s'", ErrInvalidTarget, host)
	}

	base, err := filepath.Abs(datapath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	hostDir := filepath.Join(base, host)

	cachePath := filepath.Clean(hostDir + string(filepath.Separator) + filepath.FromSlash(urlPath[1:]))
	if !strings.HasPrefix(cachePath, hostDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path '%s' escapes cache root", ErrInvalidTarget, urlPath)
	}

	return cachePath, nil
}
