package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrAddressMismatch   = errors.New("private key does not match wallet address")
)

// Credential is a signing identity for on-chain transactions. It is held only
// for the duration of one purchase sequence and never persisted.
type Credential struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// Pair carries the two identities a purchase sequence needs
type Pair struct {
	Buyer  Credential
	Seller Credential
}

// CredentialFromHex builds a credential from a hex encoded secp256k1 key
func CredentialFromHex(hexKey string) (Credential, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return Credential{
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, nil
}

// String never prints key material
func (c Credential) String() string {
	return c.Address.Hex()
}

func (c Credential) GoString() string {
	return "wallet.Credential{" + c.Address.Hex() + "}"
}
