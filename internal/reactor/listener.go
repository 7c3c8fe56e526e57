package reactor

import (
	"fmt"
	"net"
)

// AcceptCallback is invoked on whichever worker actually performed the
// accept, with the new client fd. It must hand the fd off to that worker
// (e.g. by constructing a session on it) before returning.
type AcceptCallback func(w *Worker, fd int, remote net.Addr)

// listenerHandler implements Handler for a shared listening descriptor: one
// accept per readiness wakeup, exactly as spec.md 4.8 requires.
type listenerHandler struct {
	onAccept AcceptCallback
}

func (h listenerHandler) OnReadable(d *Descriptor) error {
	fd, err := acceptFD(d.fd)
	if err != nil {
		if isEAGAIN(err) {
			return nil
		}
		return err
	}
	if err := setNonblock(fd); err != nil {
		_ = closeFD(fd)
		return err
	}
	h.onAccept(d.owner, fd, nil)
	return nil
}

func (h listenerHandler) OnWritable(d *Descriptor) error { return nil }
func (h listenerHandler) OnError(d *Descriptor, err error) {}
func (h listenerHandler) OnHangup(d *Descriptor)           {}

// Listener binds one TCP port and registers it as a shared, level-triggered
// readiness source across every worker in the pool, so the kernel fans new
// connections out across workers without any coordinator involvement.
type Listener struct {
	ln   net.Listener
	fd   int
	name string
}

// Listen opens addr and wraps its underlying fd for registration with
// workers via Register. Closing the returned *Listener is the
// caller's job once every worker has been told to stop accepting (or left
// to process exit).
func Listen(name, addr string) (*Listener, int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("listen %s: %w", addr, err)
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, 0, fmt.Errorf("listen %s: not a TCP listener", addr)
	}
	file, err := tl.File()
	if err != nil {
		ln.Close()
		return nil, 0, fmt.Errorf("listen %s: extracting fd: %w", addr, err)
	}
	fd := int(file.Fd())
	if err := setNonblock(fd); err != nil {
		file.Close()
		ln.Close()
		return nil, 0, fmt.Errorf("listen %s: nonblock: %w", addr, err)
	}
	return &Listener{ln: ln, fd: fd, name: name}, fd, nil
}

// Name returns the listener's configured name (e.g. "postgres", "mysql").
func (l *Listener) Name() string { return l.name }

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Register attaches the listener's fd to w's readiness set with onAccept as
// the callback for every accept w itself performs.
func (l *Listener) Register(w *Worker, onAccept AcceptCallback) error {
	_, err := w.NewSharedListenerDescriptor(l.fd, listenerHandler{onAccept: onAccept})
	return err
}

// Close closes the original net.Listener. The duplicated fd that workers
// hold registrations against is not closed by this call.
func (l *Listener) Close() error {
	return l.ln.Close()
}
