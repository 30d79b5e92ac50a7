package conf

import (
	"os"
	"path/filepath"

	"github.com/tphakala/birdnet-tiles/internal/errors"
)

const (
	appDirName     = "birdnet-tiles"
	configFileName = "config.yaml"
)

// SearchDirs lists the directories searched for config.yaml in order: the
// user config dir (XDG on Linux, AppData on Windows), then /etc.
func SearchDirs() []string {
	var dirs []string
	if base, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(base, appDirName))
	}
	return append(dirs, filepath.Join("/etc", appDirName))
}

// FindConfigFile returns the first existing config.yaml in SearchDirs.
func FindConfigFile() (string, error) {
	for _, dir := range SearchDirs() {
		path := filepath.Join(dir, configFileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.Newf("no %s in %v", configFileName, SearchDirs()).
		Component("conf").
		Category(errors.CategoryNotFound).
		Build()
}
