package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"os"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-nock/internal/tensor"
)

type entry struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

// Write stores a collection at path. Values must be canonical tensors or *Raw.
func Write(path string, m tensor.Mapping, meta map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := Encode(w, m, meta); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Encode writes a collection in safetensors format. Tensors are laid out in
// sorted name order; the header is space padded to an 8 byte boundary.
func Encode(w io.Writer, m tensor.Mapping, meta map[string]string) error {
	metadata := maps.Clone(meta)
	if metadata == nil {
		metadata = map[string]string{}
	}

	entries := make([]entry, 0, len(m))
	for _, name := range m.Keys() {
		e, layout, err := toEntry(name, m[name])
		if err != nil {
			return err
		}
		if layout != "" {
			metadata[LayoutPrefix+name] = layout
		}
		entries = append(entries, e)
	}

	header := make(map[string]any, len(entries)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, e := range entries {
		end := offset + int64(len(e.data))
		header[e.name] = tensorHeader{DType: e.dtype, Shape: e.shape, DataOffsets: []int64{offset, end}}
		offset = end
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	if pad := len(hb) % 8; pad != 0 {
		hb = append(hb, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := w.Write(e.data); err != nil {
			return fmt.Errorf("write tensor %s: %w", e.name, err)
		}
	}
	return nil
}

func toEntry(name string, v any) (entry, string, error) {
	switch t := v.(type) {
	case *tensor.Tensor:
		dtype, ok := dtypeOf(t.Kind())
		if !ok {
			return entry{}, "", fmt.Errorf("tensor %s: cannot store kind %s", name, t.Kind())
		}
		if t.Kind() == tensor.Packed {
			return entry{name: name, dtype: dtype, shape: []int{t.NumBytes()}, data: t.Bytes()}, t.Layout(), nil
		}
		return entry{name: name, dtype: dtype, shape: t.Shape(), data: t.Bytes()}, "", nil
	case *Raw:
		return entry{name: name, dtype: t.DType, shape: t.Shape, data: t.Data}, "", nil
	default:
		return entry{}, "", fmt.Errorf("tensor %s: cannot store %T (normalize it first)", name, v)
	}
}
