// Package tlv implements the type-length-value encoding used to persist
// variable-length structured values (key sets, signature sets, meta
// envelopes) inside fixed SQL columns.
//
// Every item is laid out as:
//
//	[Type (2 bytes, big-endian)][Length (4 bytes, big-endian)][Body (Length-6 bytes)]
//
// Length includes the 6-byte header, so a decoder can always skip an item it
// does not understand and never reads past the item's own payload.
package tlv

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the size of an item header (type + length)
	HeaderSize = 6

	// MaxItemLength bounds the declared length of a single item (16 MB)
	MaxItemLength = 16 * 1024 * 1024
)

var (
	ErrShortBuffer    = errors.New("tlv: buffer shorter than declared length")
	ErrTypeMismatch   = errors.New("tlv: unexpected item type")
	ErrLengthMismatch = errors.New("tlv: invalid item length")
	ErrItemTooLarge   = errors.New("tlv: item exceeds maximum length")
)

// WriteHeader writes an item header for a body of bodyLen bytes.
func WriteHeader(w io.Writer, typ uint16, bodyLen int) error {
	total := bodyLen + HeaderSize
	if total > MaxItemLength {
		return ErrItemTooLarge
	}
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], typ)
	binary.BigEndian.PutUint32(hdr[2:6], uint32(total))
	_, err := w.Write(hdr[:])
	return err
}

// WriteItem writes a complete item with the given body.
func WriteItem(w io.Writer, typ uint16, body []byte) error {
	if err := WriteHeader(w, typ, len(body)); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// PeekType returns the type of the item starting at offset without
// consuming it.
func PeekType(data []byte, offset int) (uint16, error) {
	if offset < 0 || len(data)-offset < 2 {
		return 0, ErrShortBuffer
	}
	return binary.BigEndian.Uint16(data[offset:]), nil
}

// ReadHeader decodes the item header at offset. It returns the item type and
// the total item length (header included) after checking that the whole item
// fits in data.
func ReadHeader(data []byte, offset int) (uint16, int, error) {
	if offset < 0 || len(data)-offset < HeaderSize {
		return 0, 0, ErrShortBuffer
	}
	typ := binary.BigEndian.Uint16(data[offset:])
	total := binary.BigEndian.Uint32(data[offset+2:])
	if total < HeaderSize {
		return 0, 0, ErrLengthMismatch
	}
	if total > MaxItemLength {
		return 0, 0, ErrItemTooLarge
	}
	if uint32(len(data)-offset) < total {
		return 0, 0, ErrShortBuffer
	}
	return typ, int(total), nil
}

// ReadItem reads the item of type typ at offset. It returns the body (a
// sub-slice of data bounded by the declared length) and the offset of the
// byte following the item.
func ReadItem(data []byte, offset int, typ uint16) ([]byte, int, error) {
	gotType, total, err := ReadHeader(data, offset)
	if err != nil {
		return nil, offset, err
	}
	if gotType != typ {
		return nil, offset, errors.Wrapf(ErrTypeMismatch, "got 0x%04x, want 0x%04x", gotType, typ)
	}
	end := offset + total
	return data[offset+HeaderSize : end : end], end, nil
}

// SkipItem returns the offset following the item at offset.
func SkipItem(data []byte, offset int) (int, error) {
	_, total, err := ReadHeader(data, offset)
	if err != nil {
		return offset, err
	}
	return offset + total, nil
}

// WriteString writes s as an item of type typ.
func WriteString(w io.Writer, typ uint16, s string) error {
	if err := WriteHeader(w, typ, len(s)); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a string item of type typ.
func ReadString(data []byte, offset int, typ uint16) (string, int, error) {
	body, next, err := ReadItem(data, offset, typ)
	if err != nil {
		return "", offset, err
	}
	return string(body), next, nil
}

// WriteBytes writes b as an item of type typ.
func WriteBytes(w io.Writer, typ uint16, b []byte) error {
	return WriteItem(w, typ, b)
}

// ReadBytes reads a byte-string item of type typ. The returned slice is a
// copy, so callers may keep it after data is reused.
func ReadBytes(data []byte, offset int, typ uint16) ([]byte, int, error) {
	body, next, err := ReadItem(data, offset, typ)
	if err != nil {
		return nil, offset, err
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, next, nil
}

// ReadFixed reads a byte-string item of type typ whose body must be exactly
// len(dst) bytes long, copying it into dst.
func ReadFixed(data []byte, offset int, typ uint16, dst []byte) (int, error) {
	body, next, err := ReadItem(data, offset, typ)
	if err != nil {
		return offset, err
	}
	if len(body) != len(dst) {
		return offset, errors.Wrapf(ErrLengthMismatch, "fixed item 0x%04x: got %d bytes, want %d", typ, len(body), len(dst))
	}
	copy(dst, body)
	return next, nil
}

// WriteUint32 writes a raw big-endian uint32 (no item header).
func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint32 reads a raw big-endian uint32 at offset.
func ReadUint32(data []byte, offset int) (uint32, int, error) {
	if offset < 0 || len(data)-offset < 4 {
		return 0, offset, ErrShortBuffer
	}
	return binary.BigEndian.Uint32(data[offset:]), offset + 4, nil
}

// WriteUint64 writes a raw big-endian uint64 (no item header).
func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint64 reads a raw big-endian uint64 at offset.
func ReadUint64(data []byte, offset int) (uint64, int, error) {
	if offset < 0 || len(data)-offset < 8 {
		return 0, offset, ErrShortBuffer
	}
	return binary.BigEndian.Uint64(data[offset:]), offset + 8, nil
}

// Container buffers a container body so its header can be written with the
// final length.
type Container struct {
	typ uint16
	buf bytes.Buffer
}

// NewContainer starts a container item of type typ.
func NewContainer(typ uint16) *Container {
	return &Container{typ: typ}
}

// Write implements io.Writer for the container body.
func (c *Container) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

// WriteTo writes the finished item (header + body) to w.
func (c *Container) WriteTo(w io.Writer) (int64, error) {
	if err := WriteHeader(w, c.typ, c.buf.Len()); err != nil {
		return 0, err
	}
	n, err := w.Write(c.buf.Bytes())
	return int64(n + HeaderSize), err
}

// Bytes returns the finished item as a new slice.
func (c *Container) Bytes() ([]byte, error) {
	out := new(bytes.Buffer)
	if _, err := c.WriteTo(out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
