package aggregate

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetrake/packetrake/internal/scan"
)

func makeResult(port uint16) scan.Result {
	return scan.NewResult(netip.MustParseAddr("192.0.2.10"), port,
		scan.ProtocolTCP, scan.TechniqueSYN, scan.StateOpen, time.Millisecond)
}

func TestAggregatorEmptyDrain(t *testing.T) {
	a := New()
	assert.Nil(t, a.Drain())
	assert.Equal(t, 0, a.Pending())
}

func TestAggregatorPreservesPushOrder(t *testing.T) {
	a := New()
	for port := uint16(1); port <= 100; port++ {
		a.Push(makeResult(port))
	}

	out := a.Drain()
	require.Len(t, out, 100)
	for i, r := range out {
		assert.Equal(t, uint16(i+1), r.Port)
	}
	assert.Nil(t, a.Drain())
}

func TestAggregatorConcurrentProducers(t *testing.T) {
	const producers = 16
	const perProducer = 1000

	a := New()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				a.Push(makeResult(uint16(i)))
			}
		}()
	}

	// Drain concurrently with the producers; everything pushed must come
	// out exactly once across all batches.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	total := 0
	for {
		total += len(a.Drain())
		select {
		case <-done:
			total += len(a.Drain())
			require.Equal(t, producers*perProducer, total)
			assert.Equal(t, 0, a.Pending())
			assert.Equal(t, uint64(producers*perProducer), a.Pushed())
			return
		default:
		}
	}
}

func TestAggregatorPending(t *testing.T) {
	a := New()
	for i := 0; i < 5; i++ {
		a.Push(makeResult(uint16(i)))
	}
	assert.Equal(t, 5, a.Pending())

	require.Len(t, a.Drain(), 5)
	assert.Equal(t, 0, a.Pending())
}
