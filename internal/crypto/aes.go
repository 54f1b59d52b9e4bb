// Package crypto implements the LoRaWAN 1.0 cryptographic primitives used by
// the engine: the AES-128 block transform, AES-CMAC (RFC 4493), the
// FRMPayload keystream and the session-key derivation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/brocaar/lorawan"
)

// BlockSize is the AES block size in bytes.
const BlockSize = aes.BlockSize

// EncryptBlock applies the forward AES-128 transform to a single block.
func EncryptBlock(key lorawan.AES128Key, block [BlockSize]byte) [BlockSize]byte {
	var out [BlockSize]byte
	newCipher(key).Encrypt(out[:], block[:])
	return out
}

// DecryptBlock applies the inverse AES-128 transform to a single block.
// LoRaWAN uses it to "encrypt" join-accept messages, so that the end-device
// only needs the forward transform to recover them.
func DecryptBlock(key lorawan.AES128Key, block [BlockSize]byte) [BlockSize]byte {
	var out [BlockSize]byte
	newCipher(key).Decrypt(out[:], block[:])
	return out
}

func newCipher(key lorawan.AES128Key) cipher.Block {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// aes.NewCipher only fails on an invalid key size
		panic(err)
	}
	return block
}
