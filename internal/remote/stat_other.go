//go:build !unix

package remote

import (
	"fmt"
	"io/fs"
)

func fileID(info fs.FileInfo) (string, error) {
	return "", fmt.Errorf("filesystem source needs inode numbers, unsupported on this platform")
}
