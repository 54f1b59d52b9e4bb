package crypto

import (
	"fmt"

	"github.com/brocaar/lorawan"
)

// SessionKeyType defines the session-key type.
type SessionKeyType byte

// Session-key types. The value is used as first byte of the derivation block.
const (
	NwkSKey SessionKeyType = 0x01
	AppSKey SessionKeyType = 0x02
)

func (t SessionKeyType) String() string {
	switch t {
	case NwkSKey:
		return "NwkSKey"
	case AppSKey:
		return "AppSKey"
	default:
		return fmt.Sprintf("SessionKeyType(%d)", byte(t))
	}
}

// DeriveSessionKey derives a LoRaWAN 1.0 session-key from the root key.
// The join-nonce, NetID and dev-nonce are given in display (big-endian) order
// and are written in transmission order into the derivation block.
func DeriveSessionKey(t SessionKeyType, appKey lorawan.AES128Key, joinNonce [3]byte, netID lorawan.NetID, devNonce [2]byte) lorawan.AES128Key {
	var b [BlockSize]byte
	b[0] = byte(t)
	b[1] = joinNonce[2]
	b[2] = joinNonce[1]
	b[3] = joinNonce[0]
	b[4] = netID[2]
	b[5] = netID[1]
	b[6] = netID[0]
	b[7] = devNonce[1]
	b[8] = devNonce[0]

	return lorawan.AES128Key(EncryptBlock(appKey, b))
}
