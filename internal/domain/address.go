package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address is an EVM account address in EIP-55 checksum form. Two addresses
// that differ only in hex case compare equal once parsed.
type Address string

// ZeroAddress is never a valid participant.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// ParseAddress validates s as a 20-byte hex address and normalises it.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", NewValidationError("address", "is required")
	}
	if !common.IsHexAddress(s) {
		return "", NewValidationError("address", "not a 20-byte hex address")
	}
	addr := Address(common.HexToAddress(s).Hex())
	if addr == ZeroAddress {
		return "", NewValidationError("address", "zero address")
	}
	return addr, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string { return string(a) }

// Short renders the address as 0x1234…abcd for log lines.
func (a Address) Short() string {
	if len(a) < 10 {
		return string(a)
	}
	return string(a[:6]) + "…" + string(a[len(a)-4:])
}
