package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	rpcTimeout          = 10 * time.Second
	maxReadRetries      = 3
	readRetryInterval   = 500 * time.Millisecond
	receiptPollInterval = 2 * time.Second

	// Standard gas cost of a native transfer.
	nativeTransferGas = 21000
)

// gasSendBuffer is the native balance the signer must keep above the
// send amount to cover its own fee (0.0001 in 18-decimal units).
var gasSendBuffer = big.NewInt(100_000_000_000_000)

// Outcome is the terminal (or not-yet-terminal) state of a submitted
// transaction.
type Outcome string

const (
	OutcomeBroadcast Outcome = "broadcast"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeReverted  Outcome = "reverted"
	OutcomeFailed    Outcome = "failed"
	// OutcomeUnknown means the transaction was broadcast but not yet seen
	// mined. It must never be treated as dead.
	OutcomeUnknown Outcome = "unknown"
)

// Config holds chain access parameters.
type Config struct {
	RPCURLs       []string
	ChainID       *big.Int // fetched from the node when nil
	Token         common.Address
	Spender       common.Address
	TokenDecimals uint8
	GasLimit      uint64   // gas limit for token transferFrom
	GasPriceFloor *big.Int // wei, used when the node suggestion is unavailable
}

// Client provides read and write access to a single EVM chain through a
// failover pool of RPC endpoints. Reads are retried with backoff; writes
// are submitted exactly once and never retried internally.
type Client struct {
	pool    *FailoverPool
	erc20   abi.ABI
	signer  *Signer
	chainID *big.Int
	cfg     Config
}

// NewClient connects the failover pool and resolves the chain ID.
func NewClient(cfg Config, signer *Signer) (*Client, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	pool, err := NewFailoverPool(cfg.RPCURLs)
	if err != nil {
		return nil, err
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to parse ERC-20 ABI: %w", err)
	}

	chainID := cfg.ChainID
	if chainID == nil {
		client, url, err := pool.Acquire()
		if err != nil {
			pool.Close()
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		chainID, err = client.ChainID(ctx)
		cancel()
		if err != nil {
			pool.MarkUnhealthy(url, err)
			pool.Close()
			return nil, fmt.Errorf("resolve chain id: %w", err)
		}
	}

	return &Client{
		pool:    pool,
		erc20:   parsed,
		signer:  signer,
		chainID: chainID,
		cfg:     cfg,
	}, nil
}

// Close releases all RPC connections.
func (c *Client) Close() {
	c.pool.Close()
}

// ChainID returns the chain the client is bound to.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// SignerAddress returns the custodial signing account.
func (c *Client) SignerAddress() common.Address {
	return c.signer.Address()
}

// EndpointHealth reports per-endpoint health for the ops surface.
func (c *Client) EndpointHealth() map[string]bool {
	return c.pool.Health()
}

// retryRead executes a read with exponential backoff, rotating away from
// endpoints that fail.
func (c *Client) retryRead(ctx context.Context, op string, fn func(*ethclient.Client) error) error {
	var lastErr error
	for attempt := range maxReadRetries {
		if attempt > 0 {
			backoff := readRetryInterval * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return &ReadError{Op: op, Err: ctx.Err()}
			}
		}

		client, url, err := c.pool.Acquire()
		if err != nil {
			lastErr = err
			continue
		}
		if err := fn(client); err != nil {
			lastErr = err
			c.pool.MarkUnhealthy(url, err)
			continue
		}
		return nil
	}
	return &ReadError{Op: op, Err: fmt.Errorf("failed after %d retries: %w", maxReadRetries, lastErr)}
}

// Balances reads the wallet's token and native balances.
func (c *Client) Balances(ctx context.Context, wallet common.Address) (token, native *big.Int, err error) {
	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	err = c.retryRead(rpcCtx, "balances", func(ec *ethclient.Client) error {
		contract := bind.NewBoundContract(c.cfg.Token, c.erc20, ec, ec, ec)

		var out []any
		if err := contract.Call(&bind.CallOpts{Context: rpcCtx}, &out, "balanceOf", wallet); err != nil {
			return fmt.Errorf("balanceOf: %w", err)
		}
		tok, ok := out[0].(*big.Int)
		if !ok || tok.Sign() < 0 {
			return fmt.Errorf("balanceOf: malformed value %v", out[0])
		}

		nat, err := ec.BalanceAt(rpcCtx, wallet, nil)
		if err != nil {
			return fmt.Errorf("native balance: %w", err)
		}
		if nat.Sign() < 0 {
			return fmt.Errorf("native balance: malformed value %s", nat)
		}

		token, native = tok, nat
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return token, native, nil
}

// Allowance reads the owner's token allowance for the configured spender.
func (c *Client) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var allowance *big.Int
	err := c.retryRead(rpcCtx, "allowance", func(ec *ethclient.Client) error {
		contract := bind.NewBoundContract(c.cfg.Token, c.erc20, ec, ec, ec)

		var out []any
		if err := contract.Call(&bind.CallOpts{Context: rpcCtx}, &out, "allowance", owner, c.cfg.Spender); err != nil {
			return fmt.Errorf("allowance: %w", err)
		}
		v, ok := out[0].(*big.Int)
		if !ok || v.Sign() < 0 {
			return fmt.Errorf("allowance: malformed value %v", out[0])
		}
		allowance = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allowance, nil
}

// PendingNonce returns the chain-reported next nonce for the signing
// account. Only the pipeline's serialized nonce section may call this.
func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var nonce uint64
	err := c.retryRead(rpcCtx, "pending_nonce", func(ec *ethclient.Client) error {
		n, err := ec.PendingNonceAt(rpcCtx, c.signer.Address())
		if err != nil {
			return err
		}
		nonce = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return nonce, nil
}

// gasPrice returns the node suggestion bumped by 20% for faster
// confirmation, falling back to the configured floor.
func (c *Client) gasPrice(ctx context.Context) *big.Int {
	client, _, err := c.pool.Acquire()
	if err == nil {
		if suggested, err := client.SuggestGasPrice(ctx); err == nil && suggested.Sign() > 0 {
			bumped := new(big.Int).Mul(suggested, big.NewInt(120))
			return bumped.Div(bumped, big.NewInt(100))
		}
	}
	if c.cfg.GasPriceFloor != nil {
		return new(big.Int).Set(c.cfg.GasPriceFloor)
	}
	return big.NewInt(5_000_000_000) // 5 gwei
}

// SubmitWithdraw builds, signs and broadcasts a transferFrom pulling
// amount from the wallet into the signer's account. Not retried.
func (c *Client) SubmitWithdraw(ctx context.Context, from common.Address, amount *big.Int, nonce uint64) (common.Hash, error) {
	data, err := c.erc20.Pack("transferFrom", from, c.signer.Address(), amount)
	if err != nil {
		return common.Hash{}, &SubmitError{Reason: ReasonUnknown, Err: fmt.Errorf("pack transferFrom: %w", err)}
	}

	token := c.cfg.Token
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: c.gasPrice(ctx),
		Gas:      c.cfg.GasLimit,
		To:       &token,
		Value:    big.NewInt(0),
		Data:     data,
	})
	return c.broadcast(ctx, tx)
}

// SubmitGasSend builds, signs and broadcasts a native transfer of amount
// to the wallet. The signer must hold amount plus a fee buffer. Not
// retried.
func (c *Client) SubmitGasSend(ctx context.Context, to common.Address, amount *big.Int, nonce uint64) (common.Hash, error) {
	if client, _, err := c.pool.Acquire(); err == nil {
		own, err := client.BalanceAt(ctx, c.signer.Address(), nil)
		if err == nil {
			required := new(big.Int).Add(amount, gasSendBuffer)
			if own.Cmp(required) < 0 {
				return common.Hash{}, &SubmitError{
					Reason: ReasonInsufficientGas,
					Err:    fmt.Errorf("signer balance %s below required %s", own, required),
				}
			}
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: c.gasPrice(ctx),
		Gas:      nativeTransferGas,
		To:       &to,
		Value:    amount,
	})
	return c.broadcast(ctx, tx)
}

func (c *Client) broadcast(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	signed, err := c.signer.SignTx(c.chainID, tx)
	if err != nil {
		return common.Hash{}, &SubmitError{Reason: ReasonUnknown, Err: fmt.Errorf("sign: %w", err)}
	}

	client, url, err := c.pool.Acquire()
	if err != nil {
		return common.Hash{}, newSubmitError(err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	if err := client.SendTransaction(rpcCtx, signed); err != nil {
		c.pool.MarkUnhealthy(url, err)
		return common.Hash{}, newSubmitError(err)
	}
	return signed.Hash(), nil
}

// WaitForReceipt polls until the transaction is mined or the timeout
// expires. Timeout yields OutcomeUnknown with a nil error: an unconfirmed
// transaction must never be assumed dead.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		client, url, err := c.pool.Acquire()
		if err == nil {
			receipt, err := client.TransactionReceipt(waitCtx, hash)
			if err == nil && receipt != nil {
				if receipt.Status == types.ReceiptStatusSuccessful {
					return OutcomeConfirmed, nil
				}
				return OutcomeReverted, nil
			}
			if err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
				c.pool.MarkUnhealthy(url, err)
			}
		}

		select {
		case <-waitCtx.Done():
			return OutcomeUnknown, nil
		case <-ticker.C:
		}
	}
}
