package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-nock/internal/tensor"
)

type sinkServer struct {
	flight.BaseFlightServer
	mu       sync.Mutex
	datasets []string
	rows     []ExportedTensor
}

func (s *sinkServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rows, err := ReadRecordBatch(reader.Record())
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.rows = append(s.rows, rows...)
		s.mu.Unlock()
	}
	if desc := reader.LatestFlightDescriptor(); desc != nil {
		s.mu.Lock()
		s.datasets = append(s.datasets, desc.Path...)
		s.mu.Unlock()
	}
	return reader.Err()
}

func TestFlightClient_DoPut(t *testing.T) {
	sink := &sinkServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(sink)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	client, err := NewFlightClient(server.Addr().String())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exp := NewExporter(client, NewCircuitBreaker(3, time.Second), "model-v1", 1)
	sent, err := exp.Export(ctx, testCollection(t))
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.rows, 2)
	names := []string{sink.rows[0].Name, sink.rows[1].Name}
	assert.ElementsMatch(t, []string{"a.weight", "b.weight"}, names)
	assert.Contains(t, sink.datasets, "model-v1")
}

// rejectServer reads every put and then refuses it.
type rejectServer struct {
	flight.BaseFlightServer
}

func (s *rejectServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return err
	}
	defer reader.Release()
	for reader.Next() {
	}
	return status.Error(codes.PermissionDenied, "dataset is read-only")
}

func TestFlightClient_DoPutRejected(t *testing.T) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(&rejectServer{})
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	client, err := NewFlightClient(server.Addr().String())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := testCollection(t)
	rec, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(m, canonicalNames(m))
	require.NoError(t, err)
	defer rec.Release()

	err = client.DoPut(ctx, "model-v1", rec)
	require.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	breaker := NewCircuitBreaker(1, time.Hour)
	sent, err := NewExporter(client, breaker, "model-v1", 1).Export(ctx, m)
	assert.Zero(t, sent)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, breaker.State())
}

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func (m *mockPutter) Close() error {
	return nil
}

func manyTensors(t *testing.T, n int) tensor.Mapping {
	t.Helper()
	m := tensor.Mapping{}
	for i := range n {
		name := string(rune('a'+i)) + ".weight"
		tt, err := tensor.FromFloat32(name, tensor.Shape{1}, []float32{float32(i)})
		require.NoError(t, err)
		m[name] = tt
	}
	return m
}

func TestExporter_BreakerStopsExport(t *testing.T) {
	put := &mockPutter{}
	put.On("DoPut", mock.Anything, "ds", mock.Anything).Return(errors.New("unavailable"))

	exp := NewExporter(put, NewCircuitBreaker(2, time.Hour), "ds", 1)
	sent, err := exp.Export(context.Background(), manyTensors(t, 5))
	assert.Zero(t, sent)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	put.AssertNumberOfCalls(t, "DoPut", 2)
}

func TestExporter_PartialFailure(t *testing.T) {
	put := &mockPutter{}
	put.On("DoPut", mock.Anything, "ds", mock.Anything).Return(errors.New("flaky")).Once()
	put.On("DoPut", mock.Anything, "ds", mock.Anything).Return(nil)

	exp := NewExporter(put, NewCircuitBreaker(3, time.Hour), "ds", 2)
	sent, err := exp.Export(context.Background(), manyTensors(t, 5))
	assert.Error(t, err)
	assert.Equal(t, 3, sent)
	put.AssertNumberOfCalls(t, "DoPut", 3)
}
