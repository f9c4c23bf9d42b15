package engine

import (
	"context"
	"net/netip"
	"sync"

	"github.com/packetrake/packetrake/internal/logging"
	"github.com/packetrake/packetrake/internal/netio"
	"github.com/packetrake/packetrake/internal/scan"
)

// ResultSink consumes drained result batches. Implementations are invoked
// from the engine's drain loop, one batch at a time.
type ResultSink interface {
	Consume(ctx context.Context, batch []scan.Result) error
}

// MemorySink buffers every result in memory for later inspection, which is
// how the CLI renders its final table.
type MemorySink struct {
	mu      sync.Mutex
	results []scan.Result
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Consume implements ResultSink.
func (s *MemorySink) Consume(_ context.Context, batch []scan.Result) error {
	s.mu.Lock()
	s.results = append(s.results, batch...)
	s.mu.Unlock()
	return nil
}

// Results returns a copy of everything consumed so far.
func (s *MemorySink) Results() []scan.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scan.Result, len(s.results))
	copy(out, s.results)
	return out
}

// LogSink writes each result to the structured log.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.WithComponent("results")}
}

// Consume implements ResultSink.
func (s *LogSink) Consume(_ context.Context, batch []scan.Result) error {
	for _, r := range batch {
		s.logger.InfoProbe("port classified", r.Target.String(), r.Port,
			"state", string(r.State),
			"technique", string(r.Technique),
			"rtt", r.RTT)
	}
	return nil
}

// MultiSink fans each batch out to several sinks, stopping on the first
// failure.
type MultiSink struct {
	sinks []ResultSink
}

// NewMultiSink combines sinks into one.
func NewMultiSink(sinks ...ResultSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Consume implements ResultSink.
func (s *MultiSink) Consume(ctx context.Context, batch []scan.Result) error {
	for _, sink := range s.sinks {
		if err := sink.Consume(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// NoopTransport satisfies Transport for runs that never touch raw
// sockets, such as connect-only scans.
type NoopTransport struct{}

func (NoopTransport) Send([]byte, netip.Addr) error            { return nil }
func (NoopTransport) SendFragments([][]byte, netip.Addr) error { return nil }
func (NoopTransport) Receive(ctx context.Context, _ netio.Handler) {
	<-ctx.Done()
}
func (NoopTransport) Close() {}
