//go:build !linux

package gc

import "io/fs"

// blockBytes falls back to logical file size on platforms without
// syscall.Stat_t's st_blocks field.
func blockBytes(info fs.FileInfo) int64 {
	return info.Size()
}
