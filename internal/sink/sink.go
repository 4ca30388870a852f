// Package sink provides the persistence backends receiving one snapshot per tick.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/resource-logger/resource-logger/internal/model"
)

// ErrSchemaMismatch is returned when existing stored data was written with a
// different column layout.
var ErrSchemaMismatch = errors.New("stored schema does not match")

// Sink is the interface for persisting snapshots.
type Sink interface {
	// Write persists one snapshot. A row or entry is applied entirely or not at all.
	Write(ctx context.Context, snap *model.MetricSnapshot) error

	// Close flushes and releases the backing resource.
	Close() error

	// Name returns the name of the sink.
	Name() string
}

// WriteError reports a failed write to one sink.
type WriteError struct {
	Sink string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Set fans a snapshot out to every enabled sink, in order.
type Set struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewSet creates a Set over sinks. Nil sinks are skipped.
func NewSet(logger *zap.Logger, sinks ...Sink) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{logger: logger}
	for _, sk := range sinks {
		if sk != nil {
			s.sinks = append(s.sinks, sk)
		}
	}
	return s
}

// Len returns the number of sinks.
func (s *Set) Len() int {
	return len(s.sinks)
}

// Names returns sink names in write order.
func (s *Set) Names() []string {
	names := make([]string, len(s.sinks))
	for i, sk := range s.sinks {
		names[i] = sk.Name()
	}
	return names
}

// Write attempts every sink even when earlier ones fail. The returned error
// joins one *WriteError per failed sink.
func (s *Set) Write(ctx context.Context, snap *model.MetricSnapshot) error {
	var errs []error
	for _, sk := range s.sinks {
		start := time.Now()
		err := sk.Write(ctx, snap)
		sinkWriteDuration.WithLabelValues(sk.Name()).Observe(time.Since(start).Seconds())

		if err != nil {
			sinkWritesTotal.WithLabelValues(sk.Name(), "failed").Inc()
			s.logger.Warn("sink write failed", zap.String("sink", sk.Name()), zap.Error(err))
			errs = append(errs, &WriteError{Sink: sk.Name(), Err: err})
			continue
		}
		sinkWritesTotal.WithLabelValues(sk.Name(), "ok").Inc()
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (s *Set) Close() error {
	var errs []error
	for _, sk := range s.sinks {
		if err := sk.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", sk.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Pinger is implemented by sinks whose backend can be health checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Pinger returns the first sink able to report backend health, or nil.
func (s *Set) Pinger() Pinger {
	for _, sk := range s.sinks {
		if p, ok := sk.(Pinger); ok {
			return p
		}
	}
	return nil
}
