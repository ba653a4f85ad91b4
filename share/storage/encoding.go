// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// checksum computes the CRC32-C of data.
func checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// bufferWriter appends fixed size and varint encoded values to a growing buffer.
type bufferWriter struct {
	buf []byte
}

func newBufferWriter(capacity int) *bufferWriter {
	return &bufferWriter{buf: make([]byte, 0, capacity)}
}

func (w *bufferWriter) Bytes() []byte {
	return w.buf
}

func (w *bufferWriter) Len() int {
	return len(w.buf)
}

func (w *bufferWriter) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *bufferWriter) WriteUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *bufferWriter) WriteVarint(v int64) {
	w.buf = binary.AppendVarint(w.buf, v)
}

func (w *bufferWriter) WriteUvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// WriteString writes a length prefixed string.
func (w *bufferWriter) WriteString(s string) {
	w.WriteUvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *bufferWriter) WriteRawBytes(data []byte) {
	w.buf = append(w.buf, data...)
}

// bufferReader reads values written by bufferWriter.
type bufferReader struct {
	buf []byte
	pos int
}

func newBufferReader(data []byte) *bufferReader {
	return &bufferReader{buf: data}
}

func (r *bufferReader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *bufferReader) ReadUint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *bufferReader) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *bufferReader) ReadVarint() (int64, error) {
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.pos += n
	return v, nil
}

func (r *bufferReader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.pos += n
	return v, nil
}

// ReadCount reads a length and rejects it when fewer bytes remain than
// elements announced, so corrupt input cannot force a huge allocation.
func (r *bufferReader) ReadCount() (int, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if n > uint64(r.Remaining()) {
		return 0, io.ErrUnexpectedEOF
	}
	return int(n), nil
}

func (r *bufferReader) ReadString() (string, error) {
	n, err := r.ReadCount()
	if err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

func (r *bufferReader) ReadRest() []byte {
	data := r.buf[r.pos:]
	r.pos = len(r.buf)
	return data
}
