package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"exploitscan/pkg/faults"
)

// Reader is the read-only, height-pinned view of the chain used by the
// resolver and the snapshot reader. Every call carries an explicit block
// height; there is deliberately no "latest" variant.
type Reader interface {
	CodeAt(ctx context.Context, addr common.Address, block uint64) ([]byte, error)
	StorageAt(ctx context.Context, addr common.Address, slot common.Hash, block uint64) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block uint64) ([]byte, error)
}

// Client pairs a raw rpc.Client with an ethclient wrapper over the same
// connection and bounds the number of in-flight requests. The pool is shared
// read-only across concurrent runs.
type Client struct {
	rpcClient *rpc.Client
	eth       *ethclient.Client
	rpcURL    string

	timeout time.Duration
	slots   chan struct{}
	log     *logrus.Entry
}

// Dial connects to the upstream node.
func Dial(rpcURL string, timeout time.Duration, maxInflight int, logger *logrus.Logger) (*Client, error) {
	rpcClient, err := rpc.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	if maxInflight < 1 {
		maxInflight = 1
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		rpcURL:    rpcURL,
		timeout:   timeout,
		slots:     make(chan struct{}, maxInflight),
		log:       logger.WithField("component", "chain"),
	}, nil
}

// RPCURL returns the upstream endpoint, needed by the fork backend.
func (c *Client) RPCURL() string {
	return c.rpcURL
}

// RPC exposes the raw client for debug-namespace calls.
func (c *Client) RPC() *rpc.Client {
	return c.rpcClient
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpcClient.Close()
}

// acquire blocks until a request slot is free or the context is done.
func (c *Client) acquire(ctx context.Context) (release func(), err error) {
	select {
	case c.slots <- struct{}{}:
		return func() { <-c.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) CodeAt(ctx context.Context, addr common.Address, block uint64) ([]byte, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	code, err := c.eth.CodeAt(callCtx, addr, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, faults.AsStateUnavailable(fmt.Errorf("code fetch failed for %s: %w", addr.Hex(), err))
	}
	return code, nil
}

func (c *Client) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, block uint64) ([]byte, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	value, err := c.eth.StorageAt(callCtx, addr, slot, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, faults.AsStateUnavailable(fmt.Errorf("storage fetch failed for %s slot %s: %w", addr.Hex(), slot.Hex(), err))
	}
	return value, nil
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, block uint64) ([]byte, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.eth.CallContract(callCtx, msg, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, faults.AsStateUnavailable(fmt.Errorf("eth_call failed: %w", err))
	}
	return out, nil
}

// BlockNumber reports the node's current head, used only before a run pins
// its height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.eth.BlockNumber(callCtx)
}
