package reactor

import (
	"time"
)

// Run drives the worker's cooperative event loop until Stop is called. It
// is meant to be the entire body of the goroutine a coordinator spawns per
// worker — one goroutine, pinned for the worker's lifetime, touching only
// this worker's state (the inbox and load gauge excepted).
func (w *Worker) Run() {
	defer func() {
		w.finished = true
		close(w.doneCh)
		_ = w.poller.Close()
	}()

	events := make([]readyEvent, 0, 256)
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		turnStart := time.Now()

		events = events[:0]
		var err error
		events, err = w.poller.Wait(events, w.tick)
		if err != nil && w.log != nil {
			w.log.Warn("reactor: poll wait failed", "worker", w.id, "err", err)
		}
		w.stats.observeReadinessBatch(len(events))

		dispatchStart := time.Now()
		for _, ev := range events {
			w.dispatch(ev)
		}

		// Step 3: drain the task inbox.
		w.Inbox.drain(w)

		// Step 4: run timed callbacks whose deadlines have elapsed.
		w.runTimedCallbacks(turnStart)

		// Step 5: per-turn maintenance.
		w.reapZombies()
		for _, e := range w.expirables {
			e.ExpireTick(turnStart)
		}
		if w.rebalanceRequested {
			w.rebalanceRequested = false
			if w.onRebalance != nil {
				w.onRebalance(w)
			}
		}

		busy := time.Since(dispatchStart)
		total := time.Since(turnStart)
		frac := 0.0
		if total > 0 {
			frac = float64(busy) / float64(total)
			if frac > 1 {
				frac = 1
			}
		}
		w.load.update(w.tick, frac)
	}
}

func (w *Worker) runTimedCallbacks(now time.Time) {
	if len(w.timed) == 0 {
		return
	}
	var remaining []timedCallback
	for _, tc := range w.timed {
		if !now.Before(tc.deadline) {
			tc.fn(w)
			continue
		}
		remaining = append(remaining, tc)
	}
	w.timed = remaining
}

// dispatch demultiplexes one readiness event to its descriptor's handler.
// A descriptor is never re-entered concurrently: everything here runs on
// the single owning goroutine.
func (w *Worker) dispatch(ev readyEvent) {
	d, ok := w.byToken[ev.token]
	if !ok {
		return
	}

	execStart := time.Now()
	defer func() { w.stats.observeHandler(time.Since(execStart)) }()

	if ev.errored {
		w.stats.Errors++
		d.handler.OnError(d, errPollError)
		return
	}
	if ev.readable {
		w.stats.Reads++
		// A listening socket has no bytes to read; its handler accepts.
		if d.role != RoleListening {
			if err := w.readInto(d); err != nil {
				d.handler.OnError(d, err)
				return
			}
		}
		if err := d.handler.OnReadable(d); err != nil {
			d.handler.OnError(d, err)
			return
		}
	}
	if ev.writable || d.wantWrite {
		w.stats.Writes++
		if err := w.flushWrite(d); err != nil {
			d.handler.OnError(d, err)
			return
		}
		if err := d.handler.OnWritable(d); err != nil {
			d.handler.OnError(d, err)
			return
		}
	}
	if ev.hungup {
		w.stats.Hangups++
		d.hungUp = true
		d.handler.OnHangup(d)
	}
}

// readInto drains the fd into d's read buffer. Edge-triggered descriptors
// must be read until EAGAIN so a single wakeup consumes everything the
// kernel currently has queued (spec.md 4.1).
func (w *Worker) readInto(d *Descriptor) error {
	var buf [16 * 1024]byte
	for {
		n, err := readFD(d.fd, buf[:])
		if n > 0 {
			d.read.Append(buf[:n])
			d.lastRead = time.Now()
		}
		if err != nil {
			if isEAGAIN(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			d.hungUp = true
			return nil
		}
		if !d.edge {
			// Level-triggered descriptors get one read per wakeup; the
			// poller reports them again while data remains.
			return nil
		}
	}
}

// flushWrite drains as much of the pending-write buffer as the fd accepts.
// If it cannot fully drain, write-readiness stays armed; once it drains,
// write interest is disarmed to avoid a busy-loop of spurious wakeups.
func (w *Worker) flushWrite(d *Descriptor) error {
	for d.write.Len() > 0 {
		b := d.write.Bytes()
		n, err := writeFD(d.fd, b)
		if n > 0 {
			d.write.DropFront(n)
			d.lastWrite = time.Now()
		}
		if err != nil {
			if isEAGAIN(err) {
				d.armWrite()
				return nil
			}
			return err
		}
		if n == 0 {
			d.armWrite()
			return nil
		}
	}
	d.disarmWrite()
	return nil
}
