// Package codec implements the mesh's length-prefixed wire framing
// (spec.md §4.1): integers, strings, sequences, maps, and the pluggable
// payload codec they carry.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package codec

import (
	"encoding/binary"
	"io"

	"github.com/meshcore/mesh/cmn/cos"
)

// MaxVarintBytes bounds the leading length byte of a variable-length
// integer; spec.md §4.1 calls this "max_byte_length".
const MaxVarintBytes = 8

// PutFixedUint writes n as exactly size little-endian bytes into buf,
// which must be at least size bytes long. It returns cos.ErrProtocol if n
// overflows size bytes.
func PutFixedUint(buf []byte, n uint64, size int) error {
	if size < 8 && n>>(uint(size)*8) != 0 {
		return cos.NewErrProtocol("integer %d overflows %d-byte fixed field", n, size)
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], n)
	copy(buf, tmp[:size])
	return nil
}

// FixedUint reads a size-byte little-endian unsigned integer from buf.
func FixedUint(buf []byte, size int) uint64 {
	var tmp [8]byte
	copy(tmp[:], buf[:size])
	return binary.LittleEndian.Uint64(tmp[:])
}

// WriteFixedUint writes n to w as size little-endian bytes.
func WriteFixedUint(w io.Writer, n uint64, size int) error {
	buf := make([]byte, size)
	if err := PutFixedUint(buf, n, size); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// ReadFixedUint reads a size-byte little-endian unsigned integer from r.
func ReadFixedUint(r io.Reader, size int) (uint64, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return FixedUint(buf, size), nil
}

// WriteVarint writes n as one length byte L followed by L little-endian
// bytes, the minimum needed to represent n (L=0 encodes 0).
func WriteVarint(w io.Writer, n uint64) error {
	nbytes := byteLen(n)
	if nbytes > MaxVarintBytes {
		return cos.NewErrProtocol("integer %d exceeds max varint width %d", n, MaxVarintBytes)
	}
	if err := WriteFixedUint(w, uint64(nbytes), 1); err != nil {
		return err
	}
	if nbytes == 0 {
		return nil
	}
	return WriteFixedUint(w, n, nbytes)
}

// ReadVarint reads a varint written by WriteVarint.
func ReadVarint(r io.Reader) (uint64, error) {
	l, err := ReadFixedUint(r, 1)
	if err != nil {
		return 0, err
	}
	if l == 0 {
		return 0, nil
	}
	if l > MaxVarintBytes {
		return 0, cos.NewErrProtocol("varint length byte %d exceeds max %d", l, MaxVarintBytes)
	}
	return ReadFixedUint(r, int(l))
}

func byteLen(n uint64) int {
	nbytes := 0
	for n > 0 {
		nbytes++
		n >>= 8
	}
	return nbytes
}
