package wire

import (
	"encoding/binary"
	"fmt"
)

// writer is a small append-only byte buffer with length-prefixed fields,
// kept local to this package rather than reaching for a general-purpose
// serialization library: the frame format is a handful of fixed shapes,
// not an evolving schema.
type writer struct {
	buf []byte
}

func newWriter() *writer { return &writer{} }

func (w *writer) bytes() []byte { return w.buf }

func (w *writer) putByte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) putBool(b bool) {
	if b {
		w.putByte(1)
	} else {
		w.putByte(0)
	}
}

func (w *writer) putUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) putFixed(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) putBytes(b []byte) {
	w.putUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) putString(s string) { w.putBytes([]byte(s)) }

// reader parses a byte slice written by writer.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) getByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("unexpected end of frame")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) getBool() (bool, error) {
	b, err := r.getByte()
	return b != 0, err
}

func (r *reader) getFixed(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("unexpected end of frame")
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *reader) getUint32() (uint32, error) {
	b, err := r.getFixed(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) getBytes() ([]byte, error) {
	n, err := r.getUint32()
	if err != nil {
		return nil, err
	}
	return r.getFixed(int(n))
}

func (r *reader) getString() (string, error) {
	b, err := r.getBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
