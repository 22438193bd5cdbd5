package pmm

// descList is an intrusive doubly linked list of *PageDescriptor. Nodes are
// never allocated by this type; they come from the Allocator's node pool and
// are only threaded onto/off of the list here.
type descList struct {
	head, tail *PageDescriptor
	len        int
}

func (l *descList) pushFront(d *PageDescriptor) {
	d.prev = nil
	d.next = l.head
	if l.head != nil {
		l.head.prev = d
	}
	l.head = d
	if l.tail == nil {
		l.tail = d
	}
	l.len++
}

func (l *descList) remove(d *PageDescriptor) {
	if d.prev != nil {
		d.prev.next = d.next
	} else {
		l.head = d.next
	}
	if d.next != nil {
		d.next.prev = d.prev
	} else {
		l.tail = d.prev
	}
	d.prev, d.next = nil, nil
	l.len--
}

// forEach calls fn for every descriptor currently on the list. fn must not
// mutate the list while iterating.
func (l *descList) forEach(fn func(*PageDescriptor) bool) {
	for d := l.head; d != nil; d = d.next {
		if !fn(d) {
			return
		}
	}
}
