package bamcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrDatagramOverrun is returned when a datagram is read past its end.
var ErrDatagramOverrun = errors.New("datagram overrun")

// maxDatagramSize bounds a single framed datagram read from disk.
const maxDatagramSize = 1 << 30

// Datagram is an append-only little-endian byte buffer.
type Datagram struct {
	buf []byte
}

// AddUint8 appends a single byte.
func (d *Datagram) AddUint8(v uint8) {
	d.buf = append(d.buf, v)
}

// AddUint16 appends a little-endian uint16.
func (d *Datagram) AddUint16(v uint16) {
	d.buf = binary.LittleEndian.AppendUint16(d.buf, v)
}

// AddUint32 appends a little-endian uint32.
func (d *Datagram) AddUint32(v uint32) {
	d.buf = binary.LittleEndian.AppendUint32(d.buf, v)
}

// AddUint64 appends a little-endian uint64.
func (d *Datagram) AddUint64(v uint64) {
	d.buf = binary.LittleEndian.AppendUint64(d.buf, v)
}

// AddString appends a string with a uint16 length prefix.
// Strings longer than 65535 bytes are rejected.
func (d *Datagram) AddString(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string of %d bytes does not fit a datagram string", len(s))
	}
	d.AddUint16(uint16(len(s)))
	d.buf = append(d.buf, s...)
	return nil
}

// AddBlob appends a byte slice with a uint32 length prefix.
func (d *Datagram) AddBlob(b []byte) {
	d.AddUint32(uint32(len(b)))
	d.buf = append(d.buf, b...)
}

// Bytes returns the encoded contents.
func (d *Datagram) Bytes() []byte {
	return d.buf
}

// Len returns the number of encoded bytes.
func (d *Datagram) Len() int {
	return len(d.buf)
}

// DatagramIterator reads values back out of a datagram in order.
type DatagramIterator struct {
	buf []byte
	pos int
}

// NewDatagramIterator returns an iterator positioned at the start of b.
func NewDatagramIterator(b []byte) *DatagramIterator {
	return &DatagramIterator{buf: b}
}

func (it *DatagramIterator) take(n int) ([]byte, error) {
	if n < 0 || it.pos+n > len(it.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d of %d", ErrDatagramOverrun, n, it.pos, len(it.buf))
	}
	b := it.buf[it.pos : it.pos+n]
	it.pos += n
	return b, nil
}

// GetUint8 reads a single byte.
func (it *DatagramIterator) GetUint8() (uint8, error) {
	b, err := it.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetUint16 reads a little-endian uint16.
func (it *DatagramIterator) GetUint16() (uint16, error) {
	b, err := it.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// GetUint32 reads a little-endian uint32.
func (it *DatagramIterator) GetUint32() (uint32, error) {
	b, err := it.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// GetUint64 reads a little-endian uint64.
func (it *DatagramIterator) GetUint64() (uint64, error) {
	b, err := it.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// GetString reads a uint16 length-prefixed string.
func (it *DatagramIterator) GetString() (string, error) {
	n, err := it.GetUint16()
	if err != nil {
		return "", err
	}
	b, err := it.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetBlob reads a uint32 length-prefixed byte slice.
// The returned slice aliases the datagram.
func (it *DatagramIterator) GetBlob() ([]byte, error) {
	n, err := it.GetUint32()
	if err != nil {
		return nil, err
	}
	return it.take(int(n))
}

// Remaining returns the number of unread bytes.
func (it *DatagramIterator) Remaining() int {
	return len(it.buf) - it.pos
}

// writeDatagram frames d with a uint32 length and writes it to w.
func writeDatagram(w io.Writer, d *Datagram) error {
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(d.Len()))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	_, err := w.Write(d.Bytes())
	return err
}

// readDatagram reads one length-framed datagram from r.
// A clean end of stream is reported as io.EOF.
func readDatagram(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated datagram length: %w", err)
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(size[:])
	if n > maxDatagramSize {
		return nil, fmt.Errorf("datagram of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("truncated datagram body: %w", err)
	}
	return buf, nil
}
