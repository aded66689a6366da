//go:build linux

package gc

import (
	"io/fs"
	"syscall"
)

// blockBytes reports on-disk usage via st_blocks*512, which reflects
// sparse-file and filesystem-block-rounding effects that info.Size()
// (logical size) does not.
func blockBytes(info fs.FileInfo) int64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Blocks * bytesPerBlock
	}
	return info.Size()
}
