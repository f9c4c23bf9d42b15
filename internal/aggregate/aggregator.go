// Package aggregate collects scan results from many probe goroutines
// without locks. Producers push onto an atomic intrusive stack; a single
// consumer detaches the whole stack in one swap and reverses it, so results
// drain in push order with no contention between producers and consumer.
package aggregate

import (
	"sync/atomic"

	"github.com/packetrake/packetrake/internal/metrics"
	"github.com/packetrake/packetrake/internal/scan"
)

type node struct {
	result scan.Result
	next   *node
}

// Aggregator is a multi-producer, single-consumer result funnel. Push is
// lock-free and safe from any goroutine; Drain and Flush must be called
// from one consumer at a time.
type Aggregator struct {
	head    atomic.Pointer[node]
	pushed  atomic.Uint64
	drained atomic.Uint64
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// Push appends one result. Never blocks and never drops.
func (a *Aggregator) Push(r scan.Result) {
	n := &node{result: r}
	for {
		head := a.head.Load()
		n.next = head
		if a.head.CompareAndSwap(head, n) {
			break
		}
	}
	a.pushed.Add(1)
	metrics.Counter(metrics.MetricResultsPushed, metrics.Labels{
		metrics.LabelState: string(r.State),
	})
}

// Drain detaches everything pushed so far and returns it in push order.
// Returns nil when empty. Results pushed concurrently with a drain land in
// the next drain; none are lost.
func (a *Aggregator) Drain() []scan.Result {
	head := a.head.Swap(nil)
	if head == nil {
		return nil
	}

	// The stack holds newest-first; count and reverse in one pass each.
	n := 0
	for cur := head; cur != nil; cur = cur.next {
		n++
	}
	out := make([]scan.Result, n)
	for cur := head; cur != nil; cur = cur.next {
		n--
		out[n] = cur.result
	}

	a.drained.Add(uint64(len(out)))
	metrics.Histogram(metrics.MetricDrainBatchSize, float64(len(out)), nil)
	for range out {
		metrics.Counter(metrics.MetricResultsDrained, nil)
	}
	return out
}

// Pending returns the number of results pushed but not yet drained.
func (a *Aggregator) Pending() int {
	return int(a.pushed.Load() - a.drained.Load())
}

// Pushed returns the lifetime push count.
func (a *Aggregator) Pushed() uint64 {
	return a.pushed.Load()
}
