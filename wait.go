package kthread

// childRecord holds the exit status of a child, for its parent. It is shared
// by both, and outlives whichever of them exits first. The parent pointer is
// cleared if the parent exits first.
type childRecord struct {
	parent   *Thread
	tid      Tid
	status   int
	reported bool
	consumed bool
}

// Wait waits for the direct child tid to exit, and returns its exit status.
// The status of each child may be retrieved once. Wait fails immediately
// with ErrNotChild if tid is not a child of the running thread, or
// ErrAlreadyWaited if its status was already retrieved. The status is -1,
// on error.
func (x *Kernel) Wait(tid Tid) (int, error) {
	x.assert(!x.inIntr, `wait in interrupt context`)
	cur := x.Current()
	for {
		old := x.intrDisable()
		rec := cur.findChild(tid)
		switch {
		case rec == nil:
			x.intrRestore(old)
			return -1, ErrNotChild
		case rec.consumed:
			x.intrRestore(old)
			return -1, ErrAlreadyWaited
		case rec.reported:
			rec.consumed = true
			x.intrRestore(old)
			x.logger.Debug().
				Stringer(`thread`, cur).
				Int64(`child`, int64(tid)).
				Int(`status`, rec.status).
				Log(`child reaped`)
			return rec.status, nil
		}
		x.intrRestore(old)
		// any child exiting wakes the parent
		cur.childSema.Down()
	}
}

func (x *Thread) findChild(tid Tid) *childRecord {
	for _, rec := range x.children {
		if rec.tid == tid {
			return rec
		}
	}
	return nil
}

// reportExit publishes the exit status of t, waking its parent.
func (x *Kernel) reportExit(t *Thread, status int) {
	rec := t.record
	if rec == nil {
		return
	}
	rec.status = status
	rec.reported = true
	if rec.parent != nil {
		rec.parent.childSema.Up()
	}
}

// discardChildren orphans the children of t. Their records are released
// once they exit.
func (x *Kernel) discardChildren(t *Thread) {
	for _, rec := range t.children {
		rec.parent = nil
	}
	t.children = nil
}
