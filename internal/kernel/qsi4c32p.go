package kernel

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/23skdu/longbow-nock/internal/simd"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// PackQAI8DXPQSI4C32P packs an n x k float32 RHS matrix for the
// f32_qai8dxp_qsi4c32p matmul family (dynamic int8 LHS, signed 4-bit RHS
// with one scale per 32 values along k).
const PackQAI8DXPQSI4C32P = "pack_f32_to_qai8dxp_qsi4c32p_mxk_nxk"

// BlockLen is the number of k values sharing one scale.
const BlockLen = 32

const (
	qsi4Magic      = "Q4C3"
	qsi4Version    = 1
	qsi4HeaderSize = 20
	qsi4FlagBias   = 1
)

// Tile is a packing geometry. NR rows are packed together; within each block
// the rows are interleaved in chunks of KR 4-bit values.
type Tile struct {
	NR int
	KR int
}

// QSI4C32PTiles are the tile configurations of the matmul micro-kernels that
// consume this layout.
var QSI4C32PTiles = map[string]Tile{
	"qai8dxp1x4_qsi4c32p4x4_1x4_neon_dotprod":    {NR: 4, KR: 8},
	"qai8dxp1x8_qsi4c32p4x8_1x4x32_neon_dotprod": {NR: 4, KR: 16},
	"qai8dxp1x8_qsi4c32p8x8_1x8x32_neon_dotprod": {NR: 8, KR: 16},
	"qai8dxp4x8_qsi4c32p4x8_16x4x32_neon_i8mm":   {NR: 4, KR: 16},
	"qai8dxp4x8_qsi4c32p8x8_4x8x32_neon_i8mm":    {NR: 8, KR: 16},
}

// QSI4C32P returns the reference kernel for PackQAI8DXPQSI4C32P.
func QSI4C32P() Kernel {
	tiles := make([]string, 0, len(QSI4C32PTiles))
	for name := range QSI4C32PTiles {
		tiles = append(tiles, name)
	}
	sort.Strings(tiles)
	return Kernel{
		ID:     PackQAI8DXPQSI4C32P,
		Tiles:  tiles,
		Pack:   packQSI4C32P,
		Unpack: unpackQSI4C32P,
	}
}

// Layout (little endian):
//
//	header: magic[4] version u16 nr u16 kr u16 flags u16 n u32 k u32
//	for each group of nr rows (zero padded):
//	  for each block of 32 k values:
//	    nr bf16 scales
//	    nr*16 bytes of nibbles, rows interleaved in chunks of kr/2 bytes
//	  nr f32 biases
//
// Byte j of a row block holds q[j]+8 in the low nibble and q[j+16]+8 in the high nibble.
func qsi4Size(n, k int, t Tile) int {
	groups := (n + t.NR - 1) / t.NR
	blocks := k / BlockLen
	return qsi4HeaderSize + groups*(blocks*t.NR*(2+BlockLen/2)+4*t.NR)
}

func packQSI4C32P(tileName string, weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	start := time.Now()
	defer func() {
		packDuration.WithLabelValues(PackQAI8DXPQSI4C32P).Observe(time.Since(start).Seconds())
	}()

	tile, ok := QSI4C32PTiles[tileName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTile, tileName)
	}
	if weight == nil {
		return nil, fmt.Errorf("%w: missing weight", ErrInvalidInput)
	}
	if weight.Kind() != tensor.Float32 {
		return nil, fmt.Errorf("%w: weight %q is %s, want float32", ErrInvalidInput, weight.Name(), weight.Kind())
	}
	shape := weight.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: weight %q has shape %s, want [n x k]", ErrInvalidInput, weight.Name(), shape)
	}
	n, k := shape[0], shape[1]
	if k%BlockLen != 0 {
		return nil, fmt.Errorf("%w: k=%d is not a multiple of %d", ErrInvalidInput, k, BlockLen)
	}
	w, err := weight.Float32s()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if i := simd.FirstNonFinite(w); i >= 0 {
		return nil, fmt.Errorf("%w: weight %q has non-finite value at %d", ErrInvalidInput, weight.Name(), i)
	}

	var b []float32
	if bias != nil {
		if bias.Kind() != tensor.Float32 {
			return nil, fmt.Errorf("%w: bias %q is %s, want float32", ErrInvalidInput, bias.Name(), bias.Kind())
		}
		if bias.Shape().NumElements() != n {
			return nil, fmt.Errorf("%w: bias %q has %d values, want %d", ErrInvalidInput, bias.Name(), bias.Shape().NumElements(), n)
		}
		if b, err = bias.Float32s(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	out := make([]byte, qsi4Size(n, k, tile))
	copy(out, qsi4Magic)
	binary.LittleEndian.PutUint16(out[4:], qsi4Version)
	binary.LittleEndian.PutUint16(out[6:], uint16(tile.NR))
	binary.LittleEndian.PutUint16(out[8:], uint16(tile.KR))
	var flags uint16
	if b != nil {
		flags |= qsi4FlagBias
	}
	binary.LittleEndian.PutUint16(out[10:], flags)
	binary.LittleEndian.PutUint32(out[12:], uint32(n))
	binary.LittleEndian.PutUint32(out[16:], uint32(k))

	chunk := tile.KR / 2
	rowBlock := make([]byte, BlockLen/2)
	off := qsi4HeaderSize
	for g := 0; g < n; g += tile.NR {
		for blk := 0; blk < k; blk += BlockLen {
			scales := out[off : off+2*tile.NR]
			nibbles := out[off+2*tile.NR : off+tile.NR*(2+BlockLen/2)]
			for r := 0; r < tile.NR; r++ {
				row := g + r
				if row < n {
					scale := quantizeBlock(w[row*k+blk:row*k+blk+BlockLen], rowBlock)
					binary.LittleEndian.PutUint16(scales[2*r:], scale)
				} else {
					// padding rows dequantize to zero
					for j := range rowBlock {
						rowBlock[j] = 0x88
					}
					binary.LittleEndian.PutUint16(scales[2*r:], 0)
				}
				for c := 0; c < len(rowBlock)/chunk; c++ {
					dst := (c*tile.NR + r) * chunk
					copy(nibbles[dst:dst+chunk], rowBlock[c*chunk:(c+1)*chunk])
				}
			}
			off += tile.NR * (2 + BlockLen/2)
		}
		for r := 0; r < tile.NR; r++ {
			var v float32
			if b != nil && g+r < n {
				v = b[g+r]
			}
			binary.LittleEndian.PutUint32(out[off+4*r:], math.Float32bits(v))
		}
		off += 4 * tile.NR
	}

	packedBytes.WithLabelValues(PackQAI8DXPQSI4C32P, tileName).Add(float64(len(out)))
	return tensor.NewPacked(PackQAI8DXPQSI4C32P+"/"+tileName, tensor.Shape{len(out)}, out)
}

// quantizeBlock writes 32 symmetric 4-bit values into dst (16 bytes) and
// returns the block scale as bf16. The values are quantized against the
// rounded scale so that dequantization is exact for representable inputs.
func quantizeBlock(src []float32, dst []byte) uint16 {
	scale := tensor.Float32ToBFloat16(simd.AbsMax(src) / 7)
	d := tensor.BFloat16ToFloat32(scale)
	var inv float32
	if d != 0 {
		inv = 1 / d
	}
	half := BlockLen / 2
	for j := 0; j < half; j++ {
		lo := quantize4(src[j], inv)
		hi := quantize4(src[j+half], inv)
		dst[j] = byte(lo+8) | byte(hi+8)<<4
	}
	return scale
}

func quantize4(v, inv float32) int {
	q := int(math.Round(float64(v * inv)))
	if q < -8 {
		q = -8
	}
	if q > 7 {
		q = 7
	}
	return q
}

func unpackQSI4C32P(packed *tensor.Tensor) (*Unpacked, error) {
	if packed == nil || packed.Kind() != tensor.Packed {
		return nil, fmt.Errorf("%w: not a packed tensor", ErrInvalidInput)
	}
	buf := packed.Bytes()
	if len(buf) < qsi4HeaderSize || string(buf[:4]) != qsi4Magic {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptLayout)
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != qsi4Version {
		return nil, fmt.Errorf("%w: version %d", ErrCorruptLayout, v)
	}
	tile := Tile{
		NR: int(binary.LittleEndian.Uint16(buf[6:])),
		KR: int(binary.LittleEndian.Uint16(buf[8:])),
	}
	flags := binary.LittleEndian.Uint16(buf[10:])
	n := int(binary.LittleEndian.Uint32(buf[12:]))
	k := int(binary.LittleEndian.Uint32(buf[16:]))
	if tile.NR <= 0 || tile.KR < 2 || (BlockLen/2)%(tile.KR/2) != 0 || k%BlockLen != 0 {
		return nil, fmt.Errorf("%w: nr=%d kr=%d k=%d", ErrCorruptLayout, tile.NR, tile.KR, k)
	}
	if want := qsi4Size(n, k, tile); len(buf) != want {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrCorruptLayout, len(buf), want)
	}

	out := &Unpacked{Rows: n, Cols: k, Weight: make([]float32, n*k)}
	if flags&qsi4FlagBias != 0 {
		out.Bias = make([]float32, n)
	}
	chunk := tile.KR / 2
	half := BlockLen / 2
	off := qsi4HeaderSize
	for g := 0; g < n; g += tile.NR {
		for blk := 0; blk < k; blk += BlockLen {
			scales := buf[off : off+2*tile.NR]
			nibbles := buf[off+2*tile.NR : off+tile.NR*(2+half)]
			for r := 0; r < tile.NR && g+r < n; r++ {
				d := tensor.BFloat16ToFloat32(binary.LittleEndian.Uint16(scales[2*r:]))
				row := out.Weight[(g+r)*k+blk : (g+r)*k+blk+BlockLen]
				for j := 0; j < half; j++ {
					c, within := j/chunk, j%chunk
					v := nibbles[(c*tile.NR+r)*chunk+within]
					row[j] = float32(int(v&0x0F) - 8)
					row[j+half] = float32(int(v>>4) - 8)
				}
				simd.Scale(row, d)
			}
			off += tile.NR * (2 + half)
		}
		if out.Bias != nil {
			for r := 0; r < tile.NR && g+r < n; r++ {
				out.Bias[g+r] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off+4*r:]))
			}
		}
		off += 4 * tile.NR
	}
	return out, nil
}
