package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/tensor"
)

// DefaultBatchSize is the number of tensors per exported record batch.
const DefaultBatchSize = 64

// Exporter sends a tensor collection to a Flight sink in batches, guarded by
// a circuit breaker.
type Exporter struct {
	put       Putter
	breaker   *CircuitBreaker
	builder   *RecordBatchBuilder
	dataset   string
	batchSize int
}

func NewExporter(put Putter, breaker *CircuitBreaker, dataset string, batchSize int) *Exporter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Exporter{
		put:       put,
		breaker:   breaker,
		builder:   NewRecordBatchBuilder(memory.NewGoAllocator()),
		dataset:   dataset,
		batchSize: batchSize,
	}
}

// Export sends every canonical tensor of m. Non-canonical values are skipped.
// A failed batch is logged and the export continues until the breaker opens.
func (e *Exporter) Export(ctx context.Context, m tensor.Mapping) (int, error) {
	names := canonicalNames(m)
	sent := 0
	var errs []error
	for start := 0; start < len(names); start += e.batchSize {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		batch := names[start:min(start+e.batchSize, len(names))]
		rec, err := e.builder.BuildRecordBatch(m, batch)
		if err != nil {
			return sent, err
		}
		err = e.breaker.Do(func() error {
			return e.put.DoPut(ctx, e.dataset, rec)
		})
		rec.Release()

		if errors.Is(err, ErrCircuitOpen) {
			exportFailures.WithLabelValues("flight").Inc()
			return sent, fmt.Errorf("export to %s stopped after %d tensors: %w", e.dataset, sent, errors.Join(append(errs, err)...))
		}
		if err != nil {
			exportFailures.WithLabelValues("flight").Inc()
			log.Error().Err(err).Int("batch_start", start).Msg("Failed to export tensor batch")
			errs = append(errs, err)
			continue
		}
		sent += len(batch)
		exportedTensors.WithLabelValues("flight").Add(float64(len(batch)))
	}
	return sent, errors.Join(errs...)
}

// WriteStream writes every canonical tensor of m as one IPC stream record.
func WriteStream(w io.Writer, m tensor.Mapping) (int, error) {
	names := canonicalNames(m)
	if len(names) == 0 {
		return 0, nil
	}
	rec, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(m, names)
	if err != nil {
		return 0, err
	}
	defer rec.Release()
	if err := WriteArrowStream(w, rec); err != nil {
		return 0, fmt.Errorf("failed to write arrow stream: %w", err)
	}
	exportedTensors.WithLabelValues("ipc").Add(float64(len(names)))
	return len(names), nil
}

func canonicalNames(m tensor.Mapping) []string {
	var names []string
	for _, name := range m.Keys() {
		if _, ok := m.Canonical(name); ok {
			names = append(names, name)
		}
	}
	return names
}
