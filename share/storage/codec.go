// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Snapshot header: Magic(4) + CRC(4) + Version(1) + Compression(1).
const (
	snapshotMagic      uint32 = 0x46535350 // "FSSP"
	snapshotVersion    uint8  = 1
	snapshotHeaderSize        = 10

	// Bodies smaller than this are stored uncompressed.
	compressThreshold = 256
)

// Compression selects how snapshot bodies are compressed.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionS2   Compression = 1
	CompressionZstd Compression = 2
)

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", name)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

const (
	batchFlagExploded uint8 = 1 << iota
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// Encode serializes a snapshot. The body is compressed with c when that makes it smaller.
func Encode(snap *PartitionSnapshot, c Compression) ([]byte, error) {
	body := encodeBody(snap)

	used := CompressionNone
	if c != CompressionNone && len(body) > compressThreshold {
		compressed, err := compress(body, c)
		if err != nil {
			return nil, fmt.Errorf("compression failed: %w", err)
		}
		if len(compressed) < len(body) {
			body = compressed
			used = c
		}
	}

	w := newBufferWriter(snapshotHeaderSize + len(body))
	w.WriteUint32(snapshotMagic)
	w.WriteUint32(0) // CRC placeholder
	w.WriteUint8(snapshotVersion)
	w.WriteUint8(uint8(used))
	w.WriteRawBytes(body)

	data := w.Bytes()
	crc := checksum(data[8:])
	binary.BigEndian.PutUint32(data[4:8], crc)

	return data, nil
}

// Decode parses a snapshot written by Encode. Any structural problem is
// reported as ErrCorruptSnapshot.
func Decode(data []byte) (*PartitionSnapshot, error) {
	if len(data) < snapshotHeaderSize {
		return nil, fmt.Errorf("%w: short header", ErrCorruptSnapshot)
	}

	r := newBufferReader(data)
	magic, _ := r.ReadUint32()
	if magic != snapshotMagic {
		return nil, fmt.Errorf("%w: invalid magic %#x", ErrCorruptSnapshot, magic)
	}
	crc, _ := r.ReadUint32()
	if checksum(data[8:]) != crc {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}
	version, _ := r.ReadUint8()
	if version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, version)
	}
	ct, _ := r.ReadUint8()

	body, err := decompress(r.ReadRest(), Compression(ct))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}

	snap, err := decodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	return snap, nil
}

func encodeBody(snap *PartitionSnapshot) []byte {
	w := newBufferWriter(64 + len(snap.Batches)*16)
	w.WriteString(snap.GroupID)
	w.WriteString(snap.Topic)
	w.WriteVarint(int64(snap.Partition))
	w.WriteVarint(snap.StartOffset)
	w.WriteString(snap.Generation)

	w.WriteUvarint(uint64(len(snap.Batches)))
	for _, b := range snap.Batches {
		w.WriteVarint(b.BaseOffset)
		w.WriteUvarint(uint64(b.LastOffset - b.BaseOffset))

		var flags uint8
		if b.Exploded {
			flags |= batchFlagExploded
		}
		w.WriteUint8(flags)

		if b.Exploded {
			w.WriteUvarint(uint64(len(b.Offsets)))
			for _, o := range b.Offsets {
				w.WriteUvarint(uint64(o.Offset - b.BaseOffset))
				w.WriteUint8(o.State)
				w.WriteUvarint(uint64(o.DeliveryCount))
				w.WriteString(o.MemberID)
			}
		} else {
			w.WriteUint8(b.State)
			w.WriteUvarint(uint64(b.DeliveryCount))
			w.WriteString(b.MemberID)
		}

		w.WriteUvarint(uint64(len(b.GapOffsets)))
		for _, g := range b.GapOffsets {
			w.WriteUvarint(uint64(g - b.BaseOffset))
		}
	}
	return w.Bytes()
}

func decodeBody(data []byte) (*PartitionSnapshot, error) {
	r := newBufferReader(data)
	snap := &PartitionSnapshot{}

	var err error
	if snap.GroupID, err = r.ReadString(); err != nil {
		return nil, err
	}
	if snap.Topic, err = r.ReadString(); err != nil {
		return nil, err
	}
	partition, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	snap.Partition = int32(partition)
	if snap.StartOffset, err = r.ReadVarint(); err != nil {
		return nil, err
	}
	if snap.Generation, err = r.ReadString(); err != nil {
		return nil, err
	}

	count, err := r.ReadCount()
	if err != nil {
		return nil, err
	}
	if count > 0 {
		snap.Batches = make([]BatchSnapshot, 0, count)
	}
	for range count {
		b, err := decodeBatch(r)
		if err != nil {
			return nil, err
		}
		snap.Batches = append(snap.Batches, b)
	}

	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Remaining())
	}
	return snap, nil
}

func decodeBatch(r *bufferReader) (BatchSnapshot, error) {
	var b BatchSnapshot

	base, err := r.ReadVarint()
	if err != nil {
		return b, err
	}
	span, err := r.ReadUvarint()
	if err != nil {
		return b, err
	}
	b.BaseOffset = base
	b.LastOffset = base + int64(span)
	if b.LastOffset < b.BaseOffset {
		return b, fmt.Errorf("batch %d: offset overflow", base)
	}

	flags, err := r.ReadUint8()
	if err != nil {
		return b, err
	}
	b.Exploded = flags&batchFlagExploded != 0

	if b.Exploded {
		n, err := r.ReadCount()
		if err != nil {
			return b, err
		}
		if n > 0 {
			b.Offsets = make([]OffsetSnapshot, 0, n)
		}
		for range n {
			delta, err := r.ReadUvarint()
			if err != nil {
				return b, err
			}
			if delta > span {
				return b, fmt.Errorf("batch %d: offset delta %d outside batch", base, delta)
			}
			o := OffsetSnapshot{Offset: base + int64(delta)}
			if o.State, err = r.ReadUint8(); err != nil {
				return b, err
			}
			if o.DeliveryCount, err = readUint16(r); err != nil {
				return b, err
			}
			if o.MemberID, err = r.ReadString(); err != nil {
				return b, err
			}
			b.Offsets = append(b.Offsets, o)
		}
	} else {
		if b.State, err = r.ReadUint8(); err != nil {
			return b, err
		}
		if b.DeliveryCount, err = readUint16(r); err != nil {
			return b, err
		}
		if b.MemberID, err = r.ReadString(); err != nil {
			return b, err
		}
	}

	n, err := r.ReadCount()
	if err != nil {
		return b, err
	}
	if n > 0 {
		b.GapOffsets = make([]int64, 0, n)
	}
	for range n {
		delta, err := r.ReadUvarint()
		if err != nil {
			return b, err
		}
		if delta > span {
			return b, fmt.Errorf("batch %d: gap delta %d outside batch", base, delta)
		}
		b.GapOffsets = append(b.GapOffsets, base+int64(delta))
	}
	return b, nil
}

func readUint16(r *bufferReader) (uint16, error) {
	v, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if v > 0xffff {
		return 0, fmt.Errorf("delivery count %d out of range", v)
	}
	return uint16(v), nil
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionS2:
		return s2.Encode(nil, data), nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionS2:
		return s2.Decode(nil, data)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}
