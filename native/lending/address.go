package lending

import (
	"bytes"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// AddressLength is the byte length of mint, owner and vault identifiers.
const AddressLength = 32

// Address identifies mints, position owners and custody vaults. Addresses are
// rendered using base58 in the same way token mints and wallets are displayed
// by the surrounding tooling.
type Address [AddressLength]byte

var vaultSeed = []byte("treasury")

// ParseAddress decodes a base58 encoded 32 byte address.
func ParseAddress(value string) (Address, error) {
	var addr Address
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return addr, fmt.Errorf("lending: address required")
	}
	decoded, err := base58.Decode(trimmed)
	if err != nil {
		return addr, fmt.Errorf("lending: decode address %q: %w", trimmed, err)
	}
	if len(decoded) != AddressLength {
		return addr, fmt.Errorf("lending: address %q must be %d bytes (got %d)", trimmed, AddressLength, len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}

// VaultAddress derives the custody account holding a bank's liquidity.
func VaultAddress(mint Address) Address {
	var vault Address
	copy(vault[:], ethcrypto.Keccak256(vaultSeed, mint[:]))
	return vault
}

func (a Address) String() string { return base58.Encode(a[:]) }

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == Address{} }

// Compare orders addresses bytewise.
func (a Address) Compare(other Address) int { return bytes.Compare(a[:], other[:]) }

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
