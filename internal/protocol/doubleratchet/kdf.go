package doubleratchet

import (
	"e2e_core/internal/cryptographic/kdf"
)

const (
	rootInfo  = "e2e-core/ratchet/root"
	chainInfo = "e2e-core/ratchet/chain"
)

// chainInput is the fixed IKM of the symmetric chain step; the chain key is the salt.
var chainInput = []byte{0x01}

// KDFRootKey mixes a DH output into the root key and returns the next root key
// and a fresh chain key.
func KDFRootKey(rootKey, dhOut []byte) (newRootKey, newChainKey []byte, err error) {
	out, err := kdf.Derive(dhOut, rootKey, rootInfo, 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// KDFChainKey advances a chain and returns the next chain key and a message key.
func KDFChainKey(chainKey []byte) (nextChainKey, msgKey []byte, err error) {
	out, err := kdf.Derive(chainInput, chainKey, chainInfo, 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}
