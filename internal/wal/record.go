package wal

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/hupe1980/memtier/internal/hash"
)

// RecordType identifies the operation a record logs.
type RecordType uint8

const (
	RecordTypePut    RecordType = 1
	RecordTypeDelete RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case RecordTypePut:
		return "put"
	case RecordTypeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidCRC     = errors.New("wal: invalid record checksum")
	ErrInvalidType    = errors.New("wal: invalid record type")
	ErrShortRead      = errors.New("wal: short record payload")
	ErrRecordTooLarge = errors.New("wal: record too large")
)

const (
	// frameHeaderSize is CRC (4) + Type (1) + LSN (8) + Length (4).
	frameHeaderSize = 17
	maxPayloadSize  = 64 << 20
)

// Record is one logged cache mutation.
//
// Frame layout:
//
//	[CRC32 4] [Type 1] [LSN 8] [Len 4] [payload Len]
//
// The CRC covers everything after itself. Payloads:
//
//	put:    [keyLen 2] [key] [createdAt 8] [dim 4] [dim × float32]
//	delete: [keyLen 2] [key]
type Record struct {
	LSN       uint64
	Type      RecordType
	Key       string
	Vector    []float32
	CreatedAt int64 // unix nanoseconds
}

func (r *Record) payloadSize() int {
	n := 2 + len(r.Key)
	if r.Type == RecordTypePut {
		n += 8 + 4 + 4*len(r.Vector)
	}
	return n
}

// Size returns the encoded frame size in bytes.
func (r *Record) Size() int {
	return frameHeaderSize + r.payloadSize()
}

// AppendTo appends the encoded frame to dst.
func (r *Record) AppendTo(dst []byte) ([]byte, error) {
	if len(r.Key) > math.MaxUint16 {
		return dst, ErrRecordTooLarge
	}
	if r.Type != RecordTypePut && r.Type != RecordTypeDelete {
		return dst, ErrInvalidType
	}
	size := r.payloadSize()
	if size > maxPayloadSize {
		return dst, ErrRecordTooLarge
	}

	start := len(dst)
	dst = append(dst, make([]byte, 4)...) // crc placeholder
	dst = append(dst, byte(r.Type))
	dst = binary.LittleEndian.AppendUint64(dst, r.LSN)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(size))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(r.Key)))
	dst = append(dst, r.Key...)
	if r.Type == RecordTypePut {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(r.CreatedAt))
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Vector)))
		for _, f := range r.Vector {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
		}
	}
	binary.LittleEndian.PutUint32(dst[start:], hash.CRC32C(dst[start+4:]))
	return dst, nil
}

// Encode writes the record to w in a single Write call.
func (r *Record) Encode(w io.Writer) error {
	buf, err := r.AppendTo(make([]byte, 0, r.Size()))
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads one record from r. It returns the number of bytes consumed.
// A clean end of input yields io.EOF; a partial frame yields
// io.ErrUnexpectedEOF.
func Decode(r io.Reader) (*Record, int64, error) {
	var header [frameHeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, 0, io.EOF
		}
		return nil, int64(n), io.ErrUnexpectedEOF
	}

	checksum := binary.LittleEndian.Uint32(header[0:])
	recType := RecordType(header[4])
	lsn := binary.LittleEndian.Uint64(header[5:])
	length := binary.LittleEndian.Uint32(header[13:])
	if length > maxPayloadSize {
		return nil, frameHeaderSize, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if m, err := io.ReadFull(r, payload); err != nil {
		return nil, frameHeaderSize + int64(m), io.ErrUnexpectedEOF
	}
	consumed := frameHeaderSize + int64(length)

	crc := hash.NewCRC32C()
	crc.Write(header[4:])
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return nil, consumed, ErrInvalidCRC
	}

	rec := &Record{Type: recType, LSN: lsn}
	switch recType {
	case RecordTypePut:
		err = parsePut(payload, rec)
	case RecordTypeDelete:
		_, err = parseKey(payload, rec)
	default:
		err = ErrInvalidType
	}
	if err != nil {
		return nil, consumed, err
	}
	return rec, consumed, nil
}

func parseKey(payload []byte, rec *Record) (int, error) {
	if len(payload) < 2 {
		return 0, ErrShortRead
	}
	keyLen := int(binary.LittleEndian.Uint16(payload))
	if len(payload) < 2+keyLen {
		return 0, ErrShortRead
	}
	rec.Key = string(payload[2 : 2+keyLen])
	return 2 + keyLen, nil
}

func parsePut(payload []byte, rec *Record) error {
	off, err := parseKey(payload, rec)
	if err != nil {
		return err
	}
	if len(payload) < off+12 {
		return ErrShortRead
	}
	rec.CreatedAt = int64(binary.LittleEndian.Uint64(payload[off:]))
	dim := int(binary.LittleEndian.Uint32(payload[off+8:]))
	off += 12
	if len(payload) != off+4*dim {
		return ErrShortRead
	}
	rec.Vector = make([]float32, dim)
	for i := range rec.Vector {
		rec.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
	}
	return nil
}
