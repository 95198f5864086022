package state

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lendingledger/native/lending"
)

var (
	lendingBankPrefix     = []byte("lending/bank/")
	lendingPositionPrefix = []byte("lending/position/")
	custodyBalancePrefix  = []byte("custody/balance/")
	lendingBankIndexKey   = []byte("lending/banks")
)

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for i, part := range parts {
		if i > 0 {
			buf = append(buf, '/')
		}
		buf = append(buf, part...)
	}
	return buf
}

// LendingBankKey is the unhashed key of a bank record.
func LendingBankKey(mint lending.Address) []byte {
	return prefixedKey(lendingBankPrefix, mint[:])
}

// LendingPositionKey is the unhashed key of a user position.
func LendingPositionKey(owner lending.Address) []byte {
	return prefixedKey(lendingPositionPrefix, owner[:])
}

// CustodyBalanceKey is the unhashed key of a token balance held by account.
func CustodyBalanceKey(mint, account lending.Address) []byte {
	return prefixedKey(custodyBalancePrefix, mint[:], account[:])
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}
