//go:build unix

package remote

import (
	"fmt"
	"io/fs"
	"syscall"
)

// fileID derives an immutable id from device and inode numbers.
func fileID(info fs.FileInfo) (string, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", fmt.Errorf("cannot extract stat data: expected *syscall.Stat_t, got %T", info.Sys())
	}
	return fmt.Sprintf("%x-%x", uint64(stat.Dev), uint64(stat.Ino)), nil
}
