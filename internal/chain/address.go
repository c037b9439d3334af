package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress validates and canonicalizes a wallet address. A bare
// 40-hex string without the 0x prefix is accepted. Malformed input is a
// ValidationError and never enters the registry.
func ParseAddress(input string) (common.Address, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return common.Address{}, &ValidationError{Field: "address", Reason: "empty"}
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") && len(s) == 40 {
		s = "0x" + s
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, &ValidationError{Field: "address", Reason: "not a hex address"}
	}
	return common.HexToAddress(s), nil
}
