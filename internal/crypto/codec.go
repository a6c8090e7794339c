package crypto

import (
	"encoding/binary"
	"fmt"
)

// Hash blob layout. Every version starts with a little-endian uint32 version
// tag; everything after it is owned by that version.
//
//	v1: version | keySize | saltSize | key | salt | iterations | memoryKB | parallelism
//
// All v1 integers are little-endian uint32.
const (
	latestVersion uint32 = 1

	wordSize     = 4
	v1HeaderSize = 3 * wordSize
	v1TrailerLen = 3 * wordSize

	// upper bound accepted when decoding, keeps a corrupted blob from
	// requesting an absurd amount of memory.
	maxMemoryKB = 4 << 20
)

var le = binary.LittleEndian

// HashVersion returns the version tag of blob.
func HashVersion(blob []byte) (uint32, error) {
	if len(blob) < wordSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrMalformedHash, len(blob))
	}
	return le.Uint32(blob[:wordSize]), nil
}

type hashV1 struct {
	key         []byte
	salt        []byte
	iterations  uint32
	memoryKB    uint32
	parallelism uint32
}

func (h *hashV1) wipe() {
	clear(h.key)
	clear(h.salt)
}

func encodeV1(h hashV1) []byte {
	out := make([]byte, 0, v1HeaderSize+len(h.key)+len(h.salt)+v1TrailerLen)
	out = le.AppendUint32(out, 1)
	out = le.AppendUint32(out, uint32(len(h.key)))
	out = le.AppendUint32(out, uint32(len(h.salt)))
	out = append(out, h.key...)
	out = append(out, h.salt...)
	out = le.AppendUint32(out, h.iterations)
	out = le.AppendUint32(out, h.memoryKB)
	out = le.AppendUint32(out, h.parallelism)
	return out
}

// decodeV1 copies key and salt out of blob; callers must wipe the result.
func decodeV1(blob []byte) (hashV1, error) {
	if len(blob) < v1HeaderSize+v1TrailerLen {
		return hashV1{}, fmt.Errorf("%w: v1 blob too short (%d bytes)", ErrMalformedHash, len(blob))
	}

	keySize := uint64(le.Uint32(blob[wordSize:]))
	saltSize := uint64(le.Uint32(blob[2*wordSize:]))
	if keySize == 0 || saltSize == 0 {
		return hashV1{}, fmt.Errorf("%w: empty key or salt", ErrMalformedHash)
	}
	if want := uint64(v1HeaderSize+v1TrailerLen) + keySize + saltSize; uint64(len(blob)) != want {
		return hashV1{}, fmt.Errorf("%w: v1 blob is %d bytes, layout needs %d", ErrMalformedHash, len(blob), want)
	}

	off := v1HeaderSize
	key := append([]byte(nil), blob[off:off+int(keySize)]...)
	off += int(keySize)
	salt := append([]byte(nil), blob[off:off+int(saltSize)]...)
	off += int(saltSize)

	h := hashV1{
		key:         key,
		salt:        salt,
		iterations:  le.Uint32(blob[off:]),
		memoryKB:    le.Uint32(blob[off+wordSize:]),
		parallelism: le.Uint32(blob[off+2*wordSize:]),
	}

	if h.iterations < 1 || h.parallelism < 1 || h.parallelism > 255 || h.memoryKB < 1 || h.memoryKB > maxMemoryKB {
		h.wipe()
		return hashV1{}, fmt.Errorf("%w: v1 cost parameters out of range", ErrMalformedHash)
	}
	return h, nil
}
