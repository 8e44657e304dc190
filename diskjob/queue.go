package diskjob

// Queue is an intrusive FIFO of jobs linked through Job.next. A job can sit
// in at most one queue. The zero value is an empty queue.
type Queue struct {
	head *Job
	tail *Job
	size int
}

func (q *Queue) Len() int {
	return q.size
}

func (q *Queue) Empty() bool {
	return q.size == 0
}

// Front returns the head without removing it.
func (q *Queue) Front() *Job {
	return q.head
}

func (q *Queue) PushBack(j *Job) {
	if j.next != nil || q.tail == j {
		panic("diskjob: job is already queued")
	}
	if q.tail == nil {
		q.head = j
	} else {
		q.tail.next = j
	}
	q.tail = j
	q.size++
}

func (q *Queue) PushFront(j *Job) {
	if j.next != nil || q.tail == j {
		panic("diskjob: job is already queued")
	}
	j.next = q.head
	q.head = j
	if q.tail == nil {
		q.tail = j
	}
	q.size++
}

// PopFront removes and returns the head, or nil when empty.
func (q *Queue) PopFront() *Job {
	j := q.head
	if j == nil {
		return nil
	}
	q.head = j.next
	if q.head == nil {
		q.tail = nil
	}
	j.next = nil
	q.size--
	return j
}

// Append moves every job of other to the tail of q, leaving other empty.
func (q *Queue) Append(other *Queue) {
	if other.head == nil {
		return
	}
	if q.tail == nil {
		q.head = other.head
	} else {
		q.tail.next = other.head
	}
	q.tail = other.tail
	q.size += other.size
	*other = Queue{}
}

// Prepend moves every job of other ahead of q's head, keeping other's order.
func (q *Queue) Prepend(other *Queue) {
	if other.head == nil {
		return
	}
	other.tail.next = q.head
	q.head = other.head
	if q.tail == nil {
		q.tail = other.tail
	}
	q.size += other.size
	*other = Queue{}
}

// Jobs returns the queued jobs in order. Used for inspection and tests.
func (q *Queue) Jobs() []*Job {
	out := make([]*Job, 0, q.size)
	for j := q.head; j != nil; j = j.next {
		out = append(out, j)
	}
	return out
}
