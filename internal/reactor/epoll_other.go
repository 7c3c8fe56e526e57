//go:build !linux

package reactor

import (
	"errors"
	"time"
)

// newPoller is unimplemented outside Linux. The routing core's readiness
// model (edge-triggered epoll, EPOLLEXCLUSIVE listener fan-out, eventfd
// wakeups) only has a direct OS mapping on Linux, the only platform this
// class of proxy is deployed on; see SPEC_FULL.md section 4.1.
func newPoller() (poller, error) {
	return nil, errors.New("reactor: epoll backend requires linux")
}

var errUnsupported = errors.New("reactor: unsupported on this platform")

func closeFD(fd int) error               { return errUnsupported }
func setNonblock(fd int) error            { return errUnsupported }
func readFD(fd int, b []byte) (int, error)  { return 0, errUnsupported }
func writeFD(fd int, b []byte) (int, error) { return 0, errUnsupported }
func acceptFD(listenFD int) (int, error)    { return 0, errUnsupported }

var _ = time.Millisecond // keep time imported for platforms that extend this stub

var errEAGAIN = errUnsupported
