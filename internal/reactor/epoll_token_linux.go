//go:build linux

package reactor

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// golang.org/x/sys/unix.EpollEvent represents epoll_data_t as two int32
// fields (Fd, Pad) rather than the raw uint64/void* the C struct uses.
// These helpers reinterpret that pair as the single uint64 token this
// poller stores per registration, the same layout trick most Go epoll
// wrappers use to smuggle an opaque handle through epoll_data_t.

func setEventToken(ev *unix.EpollEvent, tok uint64) {
	*(*uint64)(unsafe.Pointer(&ev.Fd)) = tok
}

func eventToken(ev *unix.EpollEvent) uint64 {
	return *(*uint64)(unsafe.Pointer(&ev.Fd))
}
