// Package unboundedchan offers a queue with channel endpoints and no fixed
// capacity, so producers never block however slow the consumer is.
package unboundedchan

// UnboundedChannel accepts values on In() and replays them in order on Out().
// Beware! You almost certainly want T to be a primitive or small struct type;
// use pointers for large objects.
type UnboundedChannel[T any] struct {
	in      chan T
	out     chan T
	pending []T
	head    int
}

// NewUnboundedChannel creates an UnboundedChannel and starts its pump.
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go uc.pump()
	return uc
}

// In returns the channel for sending values. Close it to shut the queue down;
// queued values are still delivered before Out closes.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the channel for receiving values.
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

func (uc *UnboundedChannel[T]) pump() {
	for {
		if uc.head == len(uc.pending) {
			// Queue empty: reset the backing slice and wait for input only.
			uc.pending = uc.pending[:0]
			uc.head = 0
			val, ok := <-uc.in
			if !ok {
				close(uc.out)
				return
			}
			uc.pending = append(uc.pending, val)
			continue
		}
		select {
		case uc.out <- uc.pending[uc.head]:
			uc.head++
		case val, ok := <-uc.in:
			if !ok {
				for _, item := range uc.pending[uc.head:] {
					uc.out <- item
				}
				close(uc.out)
				return
			}
			uc.pending = append(uc.pending, val)
		}
	}
}
