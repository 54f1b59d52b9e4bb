package crypto

import (
	"encoding/binary"

	"github.com/brocaar/lorawan"
)

// ApplyKeystream encrypts or decrypts data in place using the LoRaWAN
// FRMPayload counter-mode keystream. Since the keystream only depends on the
// key, direction, device address and frame-counter, encryption and decryption
// are the same operation.
func ApplyKeystream(key lorawan.AES128Key, uplink bool, devAddr lorawan.DevAddr, fCnt uint32, data []byte) {
	if len(data) == 0 {
		return
	}

	ciph := newCipher(key)

	var a, s [BlockSize]byte
	a[0] = 0x01
	if !uplink {
		a[5] = 0x01
	}

	// DevAddr is transmitted little-endian
	for i := 0; i < len(devAddr); i++ {
		a[6+i] = devAddr[len(devAddr)-1-i]
	}
	binary.LittleEndian.PutUint32(a[10:14], fCnt)

	for i := 0; i*BlockSize < len(data); i++ {
		a[15] = byte(i + 1)
		ciph.Encrypt(s[:], a[:])

		block := data[i*BlockSize:]
		if len(block) > BlockSize {
			block = block[:BlockSize]
		}

		for j := range block {
			block[j] ^= s[j]
		}
	}
}
