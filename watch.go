package pfs

// File-change notification. Watches are matched by name; callbacks fire
// after the triggering public operation releases the file system lock,
// so a callback may reopen or re-watch the file without deadlocking.

type watch struct {
	handle WatchHandle
	name   string
	events WatchEvent
	cb     WatchCallback
	data   interface{}
}

type firedEvent struct {
	cb    WatchCallback
	event WatchEvent
	data  interface{}
}

func (fs *FS) watchFileLocked(name string, cb WatchCallback, events WatchEvent, data interface{}) WatchHandle {
	fs.nextWatch++
	fs.watches = append(fs.watches, watch{
		handle: fs.nextWatch,
		name:   name,
		events: events,
		cb:     cb,
		data:   data,
	})
	return fs.nextWatch
}

func (fs *FS) unwatchLocked(h WatchHandle) {
	for i := range fs.watches {
		if fs.watches[i].handle == h {
			fs.watches = append(fs.watches[:i], fs.watches[i+1:]...)
			return
		}
	}
}

// queueEvent records callbacks to fire once the lock is released.
func (fs *FS) queueEvent(name string, event WatchEvent) {
	for _, w := range fs.watches {
		if w.name == name && w.events&event != 0 {
			fs.pending = append(fs.pending, firedEvent{cb: w.cb, event: event, data: w.data})
		}
	}
}

func (fs *FS) takeEvents() []firedEvent {
	ev := fs.pending
	fs.pending = nil
	return ev
}

func fireEvents(events []firedEvent) {
	for _, e := range events {
		e.cb(e.event, e.data)
	}
}
