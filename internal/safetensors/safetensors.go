// Package safetensors reads and writes tensor collections in the
// safetensors container format. Packed tensors are stored as U8 with their
// layout id recorded in the header metadata.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"

	"github.com/23skdu/longbow-nock/internal/tensor"
)

const (
	metadataKey = "__metadata__"
	// LayoutPrefix prefixes the metadata key holding a packed tensor's layout id.
	LayoutPrefix = "nock.layout."
	// maxHeaderLen bounds the JSON header read from untrusted files.
	maxHeaderLen = 100 << 20
)

// Raw holds a tensor whose dtype the pipeline does not transform. It is
// carried through unchanged.
type Raw struct {
	DType string
	Shape []int
	Data  []byte
}

// Info describes one tensor in a file.
type Info struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File is an open safetensors file.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]Info
	Metadata  map[string]string

	f *os.File
}

// Open parses the header of a safetensors file. Tensor names are NFC
// normalized.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	sf, err := parseHeader(f, st.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sf.Path = path
	sf.f = f
	return sf, nil
}

// parseHeader reads the header of a file of size bytes and checks every
// tensor's offsets against the data section that follows it.
func parseHeader(r io.Reader, size int64) (*File, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > maxHeaderLen || int64(headerLen) > size-8 {
		return nil, fmt.Errorf("invalid header length %d", headerLen)
	}
	dataLen := size - 8 - int64(headerLen)
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	sf := &File{
		DataStart: int64(8 + headerLen),
		Tensors:   make(map[string]Info, len(raw)),
		Metadata:  map[string]string{},
	}
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &sf.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse metadata: %w", err)
		}
		delete(raw, metadataKey)
	}

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] || th.DataOffsets[0] < 0 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		if th.DataOffsets[1] > dataLen {
			return nil, fmt.Errorf("tensor %s: data_offsets end %d beyond data section of %d bytes", name, th.DataOffsets[1], dataLen)
		}
		if err := checkExtent(th, dataLen); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		key := norm.NFC.String(name)
		if _, dup := sf.Tensors[key]; dup {
			return nil, fmt.Errorf("tensor %s: duplicate name after normalization", name)
		}
		sf.Tensors[key] = Info{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return sf, nil
}

func (f *File) Close() error {
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for n := range f.Tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Layout returns the packed layout id recorded for name.
func (f *File) Layout(name string) (string, bool) {
	l, ok := f.Metadata[LayoutPrefix+name]
	return l, ok
}

// ReadBytes reads the raw buffer of one tensor.
func (f *File) ReadBytes(name string) ([]byte, Info, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, Info{}, fmt.Errorf("tensor not found: %s", name)
	}
	if f.f == nil {
		return nil, Info{}, fmt.Errorf("file %s is closed", f.Path)
	}
	buf := make([]byte, info.End-info.Start)
	if _, err := f.f.ReadAt(buf, f.DataStart+info.Start); err != nil {
		return nil, Info{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, info, nil
}

// Read returns a *tensor.Tensor for float and packed tensors and a *Raw
// for every other dtype.
func (f *File) Read(name string) (any, error) {
	data, info, err := f.ReadBytes(name)
	if err != nil {
		return nil, err
	}
	if layout, ok := f.Layout(name); ok && info.DType == "U8" {
		t, err := tensor.NewPacked(layout, tensor.Shape(info.Shape), data)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if err := t.SetName(name); err != nil {
			return nil, err
		}
		return t, nil
	}
	kind, ok := kindOf(info.DType)
	if !ok || len(info.Shape) == 0 {
		return &Raw{DType: info.DType, Shape: info.Shape, Data: data}, nil
	}
	t, err := tensor.New(name, kind, tensor.Shape(info.Shape), data)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return t, nil
}

// Load reads every tensor into a collection.
func (f *File) Load() (tensor.Mapping, error) {
	m := make(tensor.Mapping, len(f.Tensors))
	for _, name := range f.Names() {
		v, err := f.Read(name)
		if err != nil {
			return nil, err
		}
		if r, ok := v.(*Raw); ok {
			log.Debug().Str("tensor", name).Str("dtype", r.DType).Msg("Carrying tensor through unchanged")
		}
		m[name] = v
	}
	return m, nil
}

var dtypeSizes = map[string]int64{
	"BOOL": 1, "U8": 1, "I8": 1, "F8_E4M3": 1, "F8_E5M2": 1,
	"U16": 2, "I16": 2, "F16": 2, "BF16": 2,
	"U32": 4, "I32": 4, "F32": 4,
	"U64": 8, "I64": 8, "F64": 8,
}

// checkExtent verifies that the byte range of th matches its shape for
// dtypes of known element size. Other dtypes are carried as opaque bytes.
func checkExtent(th tensorHeader, dataLen int64) error {
	elem, known := dtypeSizes[th.DType]
	if !known {
		return nil
	}
	want := elem
	for _, d := range th.Shape {
		if d < 0 {
			return fmt.Errorf("negative dimension in shape %v", th.Shape)
		}
		if d > 0 && want > dataLen/int64(d) {
			return fmt.Errorf("shape %v of %s exceeds the data section", th.Shape, th.DType)
		}
		want *= int64(d)
	}
	if got := th.DataOffsets[1] - th.DataOffsets[0]; got != want {
		return fmt.Errorf("shape %v of %s needs %d bytes, data_offsets span %d", th.Shape, th.DType, want, got)
	}
	return nil
}

func kindOf(dtype string) (tensor.Kind, bool) {
	switch dtype {
	case "F32":
		return tensor.Float32, true
	case "F16":
		return tensor.Float16, true
	case "BF16":
		return tensor.BFloat16, true
	case "F64":
		return tensor.Float64, true
	default:
		return tensor.Invalid, false
	}
}

func dtypeOf(k tensor.Kind) (string, bool) {
	switch k {
	case tensor.Float32:
		return "F32", true
	case tensor.Float16:
		return "F16", true
	case tensor.BFloat16:
		return "BF16", true
	case tensor.Float64:
		return "F64", true
	case tensor.Packed:
		return "U8", true
	default:
		return "", false
	}
}
