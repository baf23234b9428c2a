//go:build linux

package static

import (
	"os"
	"syscall"
)

func creationTime(info os.FileInfo) int64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ctim.Nano()
	}
	return 0
}
