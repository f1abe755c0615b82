package redis

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oraclesync/internal/domain"
)

func TestLatestPriceEncodingRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	block := uint64(19_000_000)
	f := domain.NewPriceFeedFromRaw(domain.ProtocolChainlink, "ethereum", "ETH/USD", big.NewInt(350050000000), 8, ts)
	f.BlockNumber = &block

	lp := encodeLatest(f)
	assert.Equal(t, "3500.5", lp.Price)
	assert.Equal(t, "350050000000", lp.PriceRaw)

	back, err := lp.toDomain()
	require.NoError(t, err)
	assert.Equal(t, f.ID, back.ID)
	assert.True(t, back.Price.Equal(f.Price))
	assert.Equal(t, block, *back.BlockNumber)
	assert.Equal(t, f.Key(), back.Key())
}

func TestLatestPriceRejectsBadRaw(t *testing.T) {
	_, err := LatestPrice{PriceRaw: "not-a-number"}.toDomain()
	assert.ErrorIs(t, err, domain.ErrInvalidData)
}

func TestNewDefaultsEventKeys(t *testing.T) {
	r := New(nil, "oraclesync", 0, "", "", 1000)
	assert.Equal(t, "oraclesync:latest", r.keyLatest)
	assert.Equal(t, "oraclesync:events:stream", r.eventStream)
	assert.Equal(t, "oraclesync:events", r.eventChan)
}
