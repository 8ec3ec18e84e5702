package imageinspect

import (
	"os"
	"path/filepath"
)

// OSFilesystem is the production GlobFS, backed by the real filesystem.
type OSFilesystem struct{}

func (OSFilesystem) Glob(pattern string) ([]string, error) {
	return filepath.Glob(pattern)
}

func (OSFilesystem) Stat(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
