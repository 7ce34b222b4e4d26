package kthread

type (
	// listElem links a Thread into at most one threadList, per field.
	listElem struct {
		prev, next *Thread
		list       *threadList
	}

	// threadList is an intrusive doubly-linked list of threads. The elem
	// func selects which of the thread's links the list owns.
	threadList struct {
		head, tail *Thread
		elem       func(t *Thread) *listElem
		len        int
	}
)

func newThreadList(elem func(t *Thread) *listElem) threadList {
	return threadList{elem: elem}
}

// schedElem is shared by the ready queue and semaphore wait lists, a thread
// is never READY and waiting at the same time.
func schedElem(t *Thread) *listElem { return &t.elem }

func registryElem(t *Thread) *listElem { return &t.allElem }

func (x *threadList) Len() int { return x.len }

func (x *threadList) empty() bool { return x.len == 0 }

func (x *threadList) contains(t *Thread) bool {
	return x.elem(t).list == x
}

func (x *threadList) pushBack(t *Thread) {
	e := x.elem(t)
	if e.list != nil {
		panic(assertionError(`thread %s already linked`, t))
	}
	e.list = x
	e.prev = x.tail
	e.next = nil
	if x.tail != nil {
		x.elem(x.tail).next = t
	} else {
		x.head = t
	}
	x.tail = t
	x.len++
}

func (x *threadList) popFront() *Thread {
	t := x.head
	if t != nil {
		x.remove(t)
	}
	return t
}

func (x *threadList) remove(t *Thread) {
	e := x.elem(t)
	if e.list != x {
		panic(assertionError(`thread %s not linked into this list`, t))
	}
	if e.prev != nil {
		x.elem(e.prev).next = e.next
	} else {
		x.head = e.next
	}
	if e.next != nil {
		x.elem(e.next).prev = e.prev
	} else {
		x.tail = e.prev
	}
	*e = listElem{}
	x.len--
}

// each iterates in order, stopping early if fn returns false. The current
// element may be removed by fn.
func (x *threadList) each(fn func(t *Thread) bool) {
	for t := x.head; t != nil; {
		next := x.elem(t).next
		if !fn(t) {
			return
		}
		t = next
	}
}

func (x *threadList) slice() []*Thread {
	s := make([]*Thread, 0, x.len)
	x.each(func(t *Thread) bool {
		s = append(s, t)
		return true
	})
	return s
}
