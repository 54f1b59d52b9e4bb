package crypto

import (
	"crypto/cipher"
	"hash"

	"github.com/brocaar/lorawan"
)

// MICSize is the size of the truncated CMAC used as message integrity code.
const MICSize = 4

// rb is the constant used for the subkey generation (RFC 4493, 2.3).
const rb = 0x87

type cmacHash struct {
	ciph cipher.Block

	k1 [BlockSize]byte
	k2 [BlockSize]byte

	// x holds the CBC state of all blocks that are known not to be the last.
	x [BlockSize]byte

	// buf holds data which has been written but not yet chained, as it might
	// be the final block.
	//
	// INVARIANT: 0 <= n <= BlockSize
	buf [BlockSize]byte
	n   int
}

// NewCMAC returns an AES-CMAC hash.Hash for the given key.
func NewCMAC(key lorawan.AES128Key) hash.Hash {
	h := &cmacHash{ciph: newCipher(key)}

	var l [BlockSize]byte
	h.ciph.Encrypt(l[:], l[:])
	h.k1 = shiftLeftXor(l)
	h.k2 = shiftLeftXor(h.k1)

	return h
}

// ComputeTag returns the full 16 byte AES-CMAC of msg.
func ComputeTag(key lorawan.AES128Key, msg []byte) [BlockSize]byte {
	var out [BlockSize]byte
	h := NewCMAC(key)
	h.Write(msg)
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeMIC returns the first four bytes of the AES-CMAC of msg.
func ComputeMIC(key lorawan.AES128Key, msg []byte) [MICSize]byte {
	var mic [MICSize]byte
	tag := ComputeTag(key, msg)
	copy(mic[:], tag[:MICSize])
	return mic
}

// shiftLeftXor doubles the given block in GF(2^128).
func shiftLeftXor(in [BlockSize]byte) [BlockSize]byte {
	var out [BlockSize]byte
	for i := 0; i < BlockSize-1; i++ {
		out[i] = in[i]<<1 | in[i+1]>>7
	}
	out[BlockSize-1] = in[BlockSize-1] << 1

	if in[0]&0x80 != 0 {
		out[BlockSize-1] ^= rb
	}

	return out
}

func (h *cmacHash) Write(p []byte) (int, error) {
	n := len(p)

	for len(p) > 0 {
		// A full buffer followed by more data can't be the last block.
		if h.n == BlockSize {
			h.chain(h.buf[:])
			h.n = 0
		}

		c := copy(h.buf[h.n:], p)
		h.n += c
		p = p[c:]
	}

	return n, nil
}

func (h *cmacHash) chain(block []byte) {
	for i := range h.x {
		h.x[i] ^= block[i]
	}
	h.ciph.Encrypt(h.x[:], h.x[:])
}

// Sum appends the tag to b. It does not change the underlying state.
func (h *cmacHash) Sum(b []byte) []byte {
	var last [BlockSize]byte

	if h.n == BlockSize {
		for i := range last {
			last[i] = h.buf[i] ^ h.k1[i]
		}
	} else {
		copy(last[:], h.buf[:h.n])
		last[h.n] = 0x80
		for i := range last {
			last[i] ^= h.k2[i]
		}
	}

	x := h.x
	for i := range x {
		x[i] ^= last[i]
	}
	h.ciph.Encrypt(x[:], x[:])

	return append(b, x[:]...)
}

func (h *cmacHash) Reset() {
	h.x = [BlockSize]byte{}
	h.buf = [BlockSize]byte{}
	h.n = 0
}

func (h *cmacHash) Size() int {
	return BlockSize
}

func (h *cmacHash) BlockSize() int {
	return BlockSize
}
