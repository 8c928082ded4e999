package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/memtier/internal/hash"
)

const (
	snapshotMagic   = "MTHNSW"
	snapshotVersion = uint16(1)

	flagTombstone = 1 << 0
	maxKeyLen     = 1 << 16
)

// Snapshot layout: 8 byte header (magic + version) followed by a zstd stream
// whose body ends with a CRC32 of everything before it.
//
//	body := dim M efc efs maxElements maxLevel entry count node* crc
//	node := flags keyLen key level vector (layerLen ids*)*

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// WriteTo serializes the graph to w. It holds the read lock for the
// duration, so concurrent searches proceed while writers wait.
func (h *HNSW) WriteTo(w io.Writer) (int64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cw := &countingWriter{w: w}

	header := make([]byte, 8)
	copy(header, snapshotMagic)
	binary.LittleEndian.PutUint16(header[6:], snapshotVersion)
	if _, err := cw.Write(header); err != nil {
		return cw.n, err
	}

	zw, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return cw.n, err
	}

	crc := hash.NewCRC32C()
	bw := bufio.NewWriterSize(io.MultiWriter(zw, crc), 64*1024)
	enc := &encoder{w: bw}

	enc.u32(uint32(h.dim))
	enc.u32(uint32(h.opts.M))
	enc.u32(uint32(h.opts.EFConstruction))
	enc.u32(uint32(h.opts.EFSearch))
	enc.u32(uint32(h.opts.MaxElements))
	enc.u32(uint32(h.maxLevel))
	enc.u32(h.entry)
	enc.u32(uint32(len(h.nodes)))

	for id, n := range h.nodes {
		var flags byte
		if h.tombstones.Contains(uint32(id)) {
			flags |= flagTombstone
		}
		enc.u8(flags)
		enc.u32(uint32(len(n.key)))
		enc.bytes([]byte(n.key))
		enc.u8(byte(n.level))
		for _, f := range h.vector(uint32(id)) {
			enc.u32(math.Float32bits(f))
		}
		for l := 0; l <= n.level; l++ {
			enc.u32(uint32(len(n.neighbors[l])))
			for _, nb := range n.neighbors[l] {
				enc.u32(nb)
			}
		}
	}
	if enc.err != nil {
		_ = zw.Close()
		return cw.n, enc.err
	}
	if err := bw.Flush(); err != nil {
		_ = zw.Close()
		return cw.n, err
	}

	trailer := make([]byte, 4)
	binary.LittleEndian.PutUint32(trailer, crc.Sum32())
	if _, err := zw.Write(trailer); err != nil {
		_ = zw.Close()
		return cw.n, err
	}
	if err := zw.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// Load reads a snapshot written by WriteTo. optFns may override runtime-only
// options (MaxElements, EFSearch, CompactThreshold, Seed); the graph
// parameters always come from the snapshot.
func Load(r io.Reader, optFns ...func(o *Options)) (*HNSW, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptSnapshot, err)
	}
	if string(header[:6]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptSnapshot, header[:6])
	}
	if v := binary.LittleEndian.Uint16(header[6:]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, v)
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	crc := hash.NewCRC32C()
	br := bufio.NewReaderSize(zr, 64*1024)
	dec := &decoder{r: io.TeeReader(br, crc)}

	dim := int(dec.u32())
	m := int(dec.u32())
	efc := int(dec.u32())
	efs := int(dec.u32())
	maxElements := int(dec.u32())
	maxLevel := int(dec.u32())
	entry := dec.u32()
	count := int(dec.u32())
	if dec.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, dec.err)
	}

	h, err := New(append([]func(o *Options){func(o *Options) {
		o.Dimension = dim
		o.M = m
		o.EFConstruction = efc
		o.EFSearch = efs
		o.MaxElements = maxElements
	}}, optFns...)...)
	if err != nil {
		return nil, err
	}
	// Graph shape is fixed by the snapshot even if optFns touched it.
	h.dim = dim
	h.opts.Dimension = dim
	h.opts.M = m
	h.maxConns, h.maxConns0 = m, 2*m
	h.levelMult = 1 / math.Log(float64(max(m, minimumM)))

	// count comes from disk; cap the preallocation and let append grow.
	prealloc := min(count, 1<<16)
	h.nodes = make([]node, 0, prealloc)
	h.vectors = make([]float32, 0, prealloc*dim)
	h.tombstones = roaring.New()

	for id := 0; id < count && dec.err == nil; id++ {
		flags := dec.u8()
		keyLen := dec.u32()
		if keyLen > maxKeyLen {
			return nil, fmt.Errorf("%w: key length %d", ErrCorruptSnapshot, keyLen)
		}
		key := string(dec.bytes(int(keyLen)))
		level := int(dec.u8())
		if level > maxLevelCap {
			return nil, fmt.Errorf("%w: level %d", ErrCorruptSnapshot, level)
		}
		for i := 0; i < dim; i++ {
			h.vectors = append(h.vectors, math.Float32frombits(dec.u32()))
		}
		n := node{key: key, level: level, neighbors: make([][]uint32, level+1)}
		for l := 0; l <= level; l++ {
			cnt := dec.u32()
			if int(cnt) > 2*m+1 {
				return nil, fmt.Errorf("%w: %d neighbors on layer %d", ErrCorruptSnapshot, cnt, l)
			}
			n.neighbors[l] = make([]uint32, cnt)
			for j := range n.neighbors[l] {
				n.neighbors[l][j] = dec.u32()
			}
		}
		h.nodes = append(h.nodes, n)

		if flags&flagTombstone != 0 {
			h.tombstones.Add(uint32(id))
		} else {
			h.keys[key] = uint32(id)
			h.live++
		}
	}
	if dec.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, dec.err)
	}

	want := crc.Sum32()
	trailer := make([]byte, 4)
	if _, err := io.ReadFull(br, trailer); err != nil {
		return nil, fmt.Errorf("%w: missing checksum", ErrCorruptSnapshot)
	}
	if binary.LittleEndian.Uint32(trailer) != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	if err := h.validateLoaded(entry, maxLevel); err != nil {
		return nil, err
	}
	h.entry = entry
	h.maxLevel = maxLevel
	return h, nil
}

func (h *HNSW) validateLoaded(entry uint32, maxLevel int) error {
	if len(h.nodes) == 0 {
		if entry != noEntry {
			return fmt.Errorf("%w: entry point in empty graph", ErrCorruptSnapshot)
		}
		return nil
	}
	if int(entry) >= len(h.nodes) || h.nodes[entry].level != maxLevel {
		return fmt.Errorf("%w: invalid entry point %d", ErrCorruptSnapshot, entry)
	}
	for _, n := range h.nodes {
		for _, layer := range n.neighbors {
			for _, nb := range layer {
				if int(nb) >= len(h.nodes) {
					return fmt.Errorf("%w: dangling neighbor %d", ErrCorruptSnapshot, nb)
				}
			}
		}
	}
	return nil
}

type encoder struct {
	w   io.Writer
	buf [4]byte
	err error
}

func (e *encoder) u8(v byte) {
	if e.err != nil {
		return
	}
	e.buf[0] = v
	_, e.err = e.w.Write(e.buf[:1])
}

func (e *encoder) u32(v uint32) {
	if e.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(e.buf[:], v)
	_, e.err = e.w.Write(e.buf[:4])
}

func (e *encoder) bytes(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

type decoder struct {
	r   io.Reader
	buf [4]byte
	err error
}

func (d *decoder) u8() byte {
	if d.err != nil {
		return 0
	}
	if _, err := io.ReadFull(d.r, d.buf[:1]); err != nil {
		d.err = err
		return 0
	}
	return d.buf[0]
}

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		d.err = err
		return 0
	}
	return binary.LittleEndian.Uint32(d.buf[:])
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = err
		return nil
	}
	return b
}

var _ io.WriterTo = (*HNSW)(nil)
