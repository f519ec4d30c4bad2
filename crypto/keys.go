package crypto

import (
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part of a bech32 ledger address.
type AddressPrefix string

// RefundPrefix is the prefix shared by funders, recipients and module vaults.
const RefundPrefix AddressPrefix = "rfd"

const moduleSeedPrefix = "module/refund/"

// Address represents a 20-byte ledger address with its bech32 prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	buf := make([]byte, 20)
	copy(buf, b)
	return Address{prefix: prefix, bytes: buf}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// DecodeAddress parses a bech32 ledger address. Inputs typically arrive over
// RPC, so malformed strings yield errors rather than panics.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if prefix != string(RefundPrefix) {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("address must be 20 bytes, got %d", len(conv))
	}
	return Address{prefix: AddressPrefix(prefix), bytes: conv}, nil
}

// ModuleAddress derives the keyless vault address for a named ledger module.
// The derivation hashes a fixed seed, so no private key exists for the
// returned address.
func ModuleAddress(name string) Address {
	hash := ethcrypto.Keccak256([]byte(moduleSeedPrefix + name))
	var addrBytes [20]byte
	copy(addrBytes[:], hash[len(hash)-20:])
	return NewAddress(RefundPrefix, addrBytes[:])
}
