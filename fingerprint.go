package bamcache

import (
	"path/filepath"

	"github.com/spf13/afero"
)

// DependentFile is the fingerprint of one file that contributed to a cached
// object. A Timestamp of 0 means the file did not exist when it was recorded.
type DependentFile struct {
	Pathname  string `json:"pathname"`
	Timestamp int64  `json:"timestamp"` // mtime in seconds
	Size      int64  `json:"size"`
}

// statFingerprint returns the current (mtime, size) of path, or (0, 0) if it
// cannot be stat'ed.
func statFingerprint(fs afero.Fs, path string) (int64, int64) {
	info, err := fs.Stat(path)
	if err != nil {
		return 0, 0
	}
	return info.ModTime().Unix(), info.Size()
}

// unchanged reports whether the live file still matches the fingerprint.
func (d DependentFile) unchanged(fs afero.Fs) bool {
	info, err := fs.Stat(d.Pathname)
	if err != nil {
		// Still valid only if it was already missing.
		return d.Timestamp == 0
	}
	return info.ModTime().Unix() == d.Timestamp && info.Size() == d.Size
}

// absPath resolves pathname against the working directory. If that fails the
// cleaned input is returned.
func absPath(pathname string) string {
	abs, err := filepath.Abs(pathname)
	if err != nil {
		return filepath.Clean(pathname)
	}
	return abs
}
