package client

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-nock/internal/tensor"
)

// TensorSchema is the Arrow schema of exported tensor records: one row per tensor.
var TensorSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "kind", Type: arrow.BinaryTypes.String},
		{Name: "layout", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "data", Type: arrow.BinaryTypes.Binary},
	},
	nil,
)

// RecordBatchBuilder creates Arrow record batches from canonical tensors.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch converts the canonical tensors of names (in order) into a
// record batch. Non-canonical values are an error. An empty name list
// returns nil.
func (b *RecordBatchBuilder) BuildRecordBatch(m tensor.Mapping, names []string) (arrow.RecordBatch, error) {
	if len(names) == 0 {
		return nil, nil
	}

	nameB := array.NewStringBuilder(b.mem)
	defer nameB.Release()
	kindB := array.NewStringBuilder(b.mem)
	defer kindB.Release()
	layoutB := array.NewStringBuilder(b.mem)
	defer layoutB.Release()
	shapeB := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int64)
	defer shapeB.Release()
	dimB := shapeB.ValueBuilder().(*array.Int64Builder)
	dataB := array.NewBinaryBuilder(b.mem, arrow.BinaryTypes.Binary)
	defer dataB.Release()

	for _, name := range names {
		t, ok := m.Canonical(name)
		if !ok {
			return nil, fmt.Errorf("tensor %s: cannot export %T", name, m[name])
		}
		nameB.Append(name)
		kindB.Append(t.Kind().String())
		if t.Layout() != "" {
			layoutB.Append(t.Layout())
		} else {
			layoutB.AppendNull()
		}
		shapeB.Append(true)
		for _, d := range t.Shape() {
			dimB.Append(int64(d))
		}
		dataB.Append(t.Bytes())
	}

	cols := []arrow.Array{nameB.NewArray(), kindB.NewArray(), layoutB.NewArray(), shapeB.NewArray(), dataB.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(TensorSchema, cols, int64(len(names))), nil
}

// ExportedTensor is one decoded row of a tensor record.
type ExportedTensor struct {
	Name   string
	Kind   string
	Layout string
	Shape  []int
	Data   []byte
}

// ReadRecordBatch decodes the rows of a tensor record. Data is copied out of
// the Arrow buffers.
func ReadRecordBatch(rec arrow.RecordBatch) ([]ExportedTensor, error) {
	if !rec.Schema().Equal(TensorSchema) {
		return nil, fmt.Errorf("unexpected schema: %s", rec.Schema())
	}
	names := rec.Column(0).(*array.String)
	kinds := rec.Column(1).(*array.String)
	layouts := rec.Column(2).(*array.String)
	shapes := rec.Column(3).(*array.List)
	dims := shapes.ListValues().(*array.Int64)
	data := rec.Column(4).(*array.Binary)

	out := make([]ExportedTensor, rec.NumRows())
	for i := range out {
		start, end := shapes.ValueOffsets(i)
		shape := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			shape = append(shape, int(dims.Value(int(j))))
		}
		out[i] = ExportedTensor{
			Name:  names.Value(i),
			Kind:  kinds.Value(i),
			Shape: shape,
			Data:  append([]byte(nil), data.Value(i)...),
		}
		if layouts.IsValid(i) {
			out[i].Layout = layouts.Value(i)
		}
	}
	return out, nil
}

// WriteArrowStream writes the record batch in the Arrow IPC stream format.
func WriteArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// ReadArrowStream decodes every tensor record of an IPC stream.
func ReadArrowStream(r io.Reader, mem memory.Allocator) ([]ExportedTensor, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("failed to create IPC reader: %w", err)
	}
	defer reader.Release()

	var out []ExportedTensor
	for reader.Next() {
		rows, err := ReadRecordBatch(reader.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, reader.Err()
}
