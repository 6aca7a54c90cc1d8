package cli

import (
	"bytes"
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/settler/internal/control"
	"github.com/vietddude/settler/internal/core/config"
	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/chain/chaintest"
	"github.com/vietddude/settler/internal/infra/chain/evm"
	"github.com/vietddude/settler/internal/infra/storage/memory"
)

const (
	contract = "0x00000000000000000000000000000000000c0de0"
	wallet   = "0x0000000000000000000000000000000000000aaa"
)

type env struct {
	store *memory.Store
	chain *chaintest.Client
	path  string
}

func setup(t *testing.T) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: postgres://unused
chain:
  rpc_url: http://unused
  contract_address: `+contract+`
listener:
  name: mint
  start_block: 1
`), 0o600))

	tok, err := evm.NewToken(common.HexToAddress(contract))
	require.NoError(t, err)
	e := &env{store: memory.NewStore(), chain: chaintest.New(tok, 100), path: path}

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	prev := openSettler
	openSettler = func(_ context.Context, cfg *config.AppConfig) (*control.Settler, error) {
		return control.Assemble(cfg, control.Resources{Store: e.store, Client: e.chain, Key: key})
	}
	t.Cleanup(func() {
		openSettler = prev
		waitReceipt = false
		forceReset = false
	})
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", e.path}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestStatus(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.store.Checkpoints().Save(context.Background(), &domain.Checkpoint{Name: "mint", NextBlock: 90}))

	out, err := e.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "HEAD")
	assert.Contains(t, out, "next=90 lag=11")
	assert.Contains(t, out, "0 open, 0 blocking")
}

func TestStatus_Uninitialized(t *testing.T) {
	e := setup(t)

	out, err := e.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "mint not initialized")
}

func TestBalance(t *testing.T) {
	e := setup(t)
	w := wallet
	e.store.PutProfile(domain.LedgerProfile{
		OwnerID:           7,
		WalletAddress:     &w,
		VirtualBalance:    decimal.RequireFromString("5"),
		BlockchainBalance: decimal.RequireFromString("1.5"),
	})
	onChain, _ := new(big.Int).SetString("3750000000000000000", 10)
	e.chain.Balances[common.HexToAddress(wallet)] = onChain

	out, err := e.run(t, "balance", wallet)
	require.NoError(t, err)
	assert.Contains(t, out, "on-chain:   3.75")
	assert.Contains(t, out, "owner:      7")
	assert.Contains(t, out, "drift:      2.25")
}

func TestBalance_InvalidAddress(t *testing.T) {
	e := setup(t)

	_, err := e.run(t, "balance", "0x123")
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
}

func TestTransfer(t *testing.T) {
	e := setup(t)

	out, err := e.run(t, "transfer", wallet, "1.25")
	require.NoError(t, err)
	sent := e.chain.SentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, common.HexToAddress(contract), *sent[0].To())
	assert.Contains(t, out, sent[0].Hash().Hex())
}

func TestTransfer_BadAmount(t *testing.T) {
	e := setup(t)

	_, err := e.run(t, "transfer", wallet, "1.0000000000000000001")
	assert.Error(t, err)
	assert.Empty(t, e.chain.SentTxs())
}

func TestConflictsAndResolve(t *testing.T) {
	e := setup(t)
	tx := "0xdead"
	amt := decimal.RequireFromString("0.25")
	require.NoError(t, e.store.Conflicts().Add(context.Background(), &domain.Conflict{
		Kind:   domain.ConflictAmountMismatch,
		TxHash: &tx,
		Amount: &amt,
		Detail: "minted differs",
	}))

	out, err := e.run(t, "conflicts")
	require.NoError(t, err)
	assert.Contains(t, out, "0xdead")
	assert.Contains(t, out, "0.25")

	open, err := e.store.Conflicts().ListOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)

	out, err = e.run(t, "resolve", big.NewInt(open[0].ID).String())
	require.NoError(t, err)
	assert.Contains(t, out, "Resolved conflict")

	open, err = e.store.Conflicts().ListOpen(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResetCheckpoint(t *testing.T) {
	e := setup(t)

	_, err := e.run(t, "reset-checkpoint", "42")
	require.NoError(t, err)

	cp, err := e.store.Checkpoints().Get(context.Background(), "mint")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cp.NextBlock)

	_, err = e.run(t, "reset-checkpoint", "abc")
	assert.Error(t, err)

	_, err = e.run(t, "reset-checkpoint", "10")
	assert.ErrorIs(t, err, domain.ErrCheckpointRegression)
	cp, err = e.store.Checkpoints().Get(context.Background(), "mint")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cp.NextBlock)

	_, err = e.run(t, "reset-checkpoint", "--force", "10")
	require.NoError(t, err)
	cp, err = e.store.Checkpoints().Get(context.Background(), "mint")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cp.NextBlock)
}

func TestMissingConfig(t *testing.T) {
	e := setup(t)
	e.path = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := e.run(t, "status")
	assert.Error(t, err)
}
