package chainlink

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
)

const ethUSD = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"

type fakeCaller struct {
	answer    *big.Int
	updatedAt int64
	decimals  uint8
	block     uint64
	err       error
	calls     int
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	switch {
	case bytes.Equal(msg.Data, parsedABI.Methods["decimals"].ID):
		return parsedABI.Methods["decimals"].Outputs.Pack(f.decimals)
	case bytes.Equal(msg.Data, parsedABI.Methods["latestRoundData"].ID):
		ts := big.NewInt(f.updatedAt)
		return parsedABI.Methods["latestRoundData"].Outputs.Pack(big.NewInt(7), f.answer, ts, ts, big.NewInt(7))
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeCaller) BlockNumber(context.Context) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.block, nil
}

func newTestClient(t *testing.T, caller *fakeCaller) *Client {
	t.Helper()
	c, err := newClient(domain.SyncInstance{
		ID:       "chainlink-ethereum",
		Protocol: domain.ProtocolChainlink,
		Chain:    "Ethereum",
		Config:   map[string]string{"feed:ETH/USD": ethUSD},
	}, caller)
	require.NoError(t, err)
	return c
}

func TestFetchPriceNormalizesAnswer(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	caller := &fakeCaller{answer: big.NewInt(350050000000), updatedAt: updated.Unix(), decimals: 8, block: 19_000_000}
	c := newTestClient(t, caller)

	f, err := c.FetchPrice(context.Background(), "eth-usd")
	require.NoError(t, err)
	assert.Equal(t, "ETH/USD", f.Symbol)
	assert.Equal(t, "ETH", f.BaseAsset)
	assert.Equal(t, "USD", f.QuoteAsset)
	assert.Equal(t, "350050000000", f.PriceRaw.String())
	assert.Equal(t, int32(8), f.Decimals)
	assert.Equal(t, "3500.5", f.Price.String())
	assert.True(t, f.Timestamp.Equal(updated))
	require.NotNil(t, f.BlockNumber)
	assert.Equal(t, uint64(19_000_000), *f.BlockNumber)
	assert.Equal(t, "ethereum", f.Chain)

	// decimals 被缓存，第二次只读 latestRoundData
	before := caller.calls
	_, err = c.FetchPrice(context.Background(), "ETH/USD")
	require.NoError(t, err)
	assert.Equal(t, before+1, caller.calls)
}

func TestFetchPriceUnknownSymbol(t *testing.T) {
	c := newTestClient(t, &fakeCaller{decimals: 8})
	_, err := c.FetchPrice(context.Background(), "BTC/USD")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetchPriceRejectsNonPositiveAnswer(t *testing.T) {
	c := newTestClient(t, &fakeCaller{answer: big.NewInt(0), updatedAt: time.Now().Unix(), decimals: 8})
	_, err := c.FetchPrice(context.Background(), "ETH/USD")
	assert.ErrorIs(t, err, domain.ErrInvalidData)
}

func TestCheckHealthReportsTransportErrors(t *testing.T) {
	c := newTestClient(t, &fakeCaller{err: errors.New("dial tcp: connection refused")})
	r := c.CheckHealth(context.Background())
	assert.Equal(t, port.HealthUnhealthy, r.Status)
	require.Len(t, r.Issues, 1)
	assert.Contains(t, r.Issues[0], "connection refused")
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(domain.SyncInstance{ID: "x", Protocol: domain.ProtocolChainlink, Chain: "ethereum"})
	assert.ErrorIs(t, err, domain.ErrMissingEndpoint)
	assert.True(t, domain.IsConfigError(err))
}

func TestNewRejectsBadAddress(t *testing.T) {
	_, err := newClient(domain.SyncInstance{ID: "x", Config: map[string]string{"feed:ETH/USD": "nope"}}, &fakeCaller{})
	assert.Error(t, err)
}

func TestCapabilities(t *testing.T) {
	c := newTestClient(t, &fakeCaller{})
	caps := c.Capabilities()
	assert.True(t, caps.PriceFeeds)
	assert.False(t, caps.Assertions)
	assert.False(t, caps.BatchQueries)
}
