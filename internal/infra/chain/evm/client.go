// Package evm binds the settlement engine to an EVM JSON-RPC node and the reward token contract.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vietddude/settler/internal/infra/chain"
)

// DefaultDialTimeout bounds connecting and the first eth_blockNumber.
const DefaultDialTimeout = 15 * time.Second

// Dial connects to url and checks the node answers eth_blockNumber. The caller's ctx
// should carry a deadline; NewDialer adds one.
func Dial(ctx context.Context, url string) (chain.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", redactURL(url), err)
	}
	if _, err := client.BlockNumber(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	return client, nil
}

// NewDialer returns a chain.Dialer for url. Each dial attempt is bounded by timeout.
func NewDialer(url string, timeout time.Duration) chain.Dialer {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return func(ctx context.Context) (chain.Client, error) {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return Dial(dctx, url)
	}
}

// DialWithBackoff keeps dialing until it succeeds or ctx is done.
func DialWithBackoff(
	ctx context.Context,
	dial chain.Dialer,
	baseDelay, maxDelay time.Duration,
) (chain.Client, error) {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}

	delay := baseDelay
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		client, err := dial(ctx)
		if err == nil {
			return client, nil
		}

		wait := jitter(delay)
		slog.Warn("Chain dial failed, retrying", "wait", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// jitter spreads d by +/-20%.
func jitter(d time.Duration) time.Duration {
	j := d / 5
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(rand.Int64N(int64(j*2)+1))
}

func redactURL(url string) string {
	if len(url) > 32 {
		return url[:32] + "..."
	}
	return url
}
