package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the single custodial signing key. All withdrawals and gas
// sends are signed by this one account, so its nonce must be serialized
// by the caller (see pipeline.Executor).
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex-encoded private key (with or without 0x prefix).
func NewSigner(privateKeyHex string) (*Signer, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if clean == "" {
		return nil, errors.New("signer private key is required")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the signing account address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs a transaction for the given chain.
func (s *Signer) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}
