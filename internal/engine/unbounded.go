package engine

import "github.com/xd009642/murk/internal/summary"

// Channel buffer on either side of the relay. The overflow queue between
// them grows without bound, so these only size the fast path.
const relayBuffer = 1 << 10

// unboundedStats builds the worker-to-aggregator channel. Emitting must
// never suspend a worker, so the two channel ends are joined by a relay
// goroutine that spills into an in-memory queue whenever the consumer falls
// behind. Closing the send side drains the queue and then closes the
// receive side.
func unboundedStats() (chan<- summary.RequestStats, <-chan summary.RequestStats) {
	in := make(chan summary.RequestStats, relayBuffer)
	out := make(chan summary.RequestStats, relayBuffer)

	go func() {
		defer close(out)
		var queue []summary.RequestStats
		head := 0
		for {
			if head == len(queue) {
				// Queue drained; block until there is something to relay.
				stat, ok := <-in
				if !ok {
					return
				}
				queue = queue[:0]
				head = 0
				queue = append(queue, stat)
				continue
			}
			select {
			case stat, ok := <-in:
				if !ok {
					for _, s := range queue[head:] {
						out <- s
					}
					return
				}
				queue = append(queue, stat)
			case out <- queue[head]:
				head++
				// Reclaim the dead prefix once it dominates the backing array.
				if head > 1024 && head*2 > len(queue) {
					n := copy(queue, queue[head:])
					queue = queue[:n]
					head = 0
				}
			}
		}
	}()

	return in, out
}
