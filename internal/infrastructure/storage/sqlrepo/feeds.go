package sqlrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"oraclesync/internal/domain"
	"oraclesync/internal/infrastructure/storage"
)

const feedSelect = `SELECT id, protocol, chain, symbol, base_asset, quote_asset, price, price_raw, decimals,
  ts_ms, block_number, confidence, is_stale, staleness_seconds, deviation, sources, updated_at_ms
FROM price_feeds`

// 重复写入同一观测时以后写为准
var feedSpec = storage.UpsertSpec{
	Table: "price_feeds",
	Columns: []string{
		"id", "protocol", "chain", "symbol", "base_asset", "quote_asset", "price", "price_raw", "decimals",
		"ts_ms", "block_number", "confidence", "is_stale", "staleness_seconds", "deviation", "sources", "updated_at_ms",
	},
	ConflictColumns: []string{"protocol", "chain", "symbol", "ts_ms"},
	UpdateColumns: []string{
		"price", "price_raw", "decimals", "block_number", "confidence",
		"is_stale", "staleness_seconds", "deviation", "sources", "updated_at_ms",
	},
}

type feedRow struct {
	ID               string          `db:"id"`
	Protocol         string          `db:"protocol"`
	Chain            string          `db:"chain"`
	Symbol           string          `db:"symbol"`
	BaseAsset        string          `db:"base_asset"`
	QuoteAsset       string          `db:"quote_asset"`
	Price            decimal.Decimal `db:"price"`
	PriceRaw         string          `db:"price_raw"`
	Decimals         int32           `db:"decimals"`
	TsMs             int64           `db:"ts_ms"`
	BlockNumber      sql.NullInt64   `db:"block_number"`
	Confidence       float64         `db:"confidence"`
	IsStale          bool            `db:"is_stale"`
	StalenessSeconds int64           `db:"staleness_seconds"`
	Deviation        float64         `db:"deviation"`
	Sources          string          `db:"sources"`
	UpdatedAtMs      int64           `db:"updated_at_ms"`
}

func (r feedRow) toDomain() domain.PriceFeed {
	raw, ok := new(big.Int).SetString(r.PriceRaw, 10)
	if !ok {
		raw = r.Price.Shift(r.Decimals).Truncate(0).BigInt()
	}
	f := domain.PriceFeed{
		ID:               r.ID,
		Protocol:         domain.Protocol(r.Protocol),
		Chain:            r.Chain,
		Symbol:           r.Symbol,
		BaseAsset:        r.BaseAsset,
		QuoteAsset:       r.QuoteAsset,
		Price:            r.Price,
		PriceRaw:         raw,
		Decimals:         r.Decimals,
		Timestamp:        msToTime(r.TsMs),
		Confidence:       r.Confidence,
		IsStale:          r.IsStale,
		StalenessSeconds: r.StalenessSeconds,
		Deviation:        r.Deviation,
	}
	if r.BlockNumber.Valid {
		b := uint64(r.BlockNumber.Int64)
		f.BlockNumber = &b
	}
	_ = json.Unmarshal([]byte(r.Sources), &f.Sources)
	return f
}

func feedValues(f domain.PriceFeed, now int64) []any {
	raw := "0"
	if f.PriceRaw != nil {
		raw = f.PriceRaw.String()
	}
	var block sql.NullInt64
	if f.BlockNumber != nil {
		block = sql.NullInt64{Int64: int64(*f.BlockNumber), Valid: true}
	}
	sources := f.Sources
	if sources == nil {
		sources = []string{}
	}
	return []any{
		f.ID, string(f.Protocol), f.Chain, f.Symbol, f.BaseAsset, f.QuoteAsset,
		f.Price.String(), raw, f.Decimals, f.Timestamp.UnixMilli(), block,
		f.Confidence, f.IsStale, f.StalenessSeconds, f.Deviation, mustJSON(sources), now,
	}
}

// UpsertFeeds 批量幂等写入，返回去重后的行数
func (r *Repo) UpsertFeeds(ctx context.Context, feeds []domain.PriceFeed) (int, error) {
	if len(feeds) == 0 {
		return 0, nil
	}
	now := time.Now().UnixMilli()
	rows := make([][]any, 0, len(feeds))
	for _, f := range feeds {
		if f.ID == "" {
			f.ID = domain.FeedID(f.Protocol, f.Chain, f.Symbol, f.Timestamp)
		}
		rows = append(rows, feedValues(f, now))
	}
	return r.g.BatchUpsert(ctx, feedSpec, rows)
}

func (r *Repo) LatestPrice(ctx context.Context, protocol domain.Protocol, chain, symbol string) (*domain.PriceFeed, error) {
	var row feedRow
	err := r.g.Get(ctx, "latest price", &row,
		feedSelect+` WHERE protocol = ? AND chain = ? AND symbol = ? ORDER BY ts_ms DESC LIMIT 1`,
		string(protocol), chain, domain.NormalizeSymbol(symbol))
	if err != nil {
		return nil, err
	}
	f := row.toDomain()
	return &f, nil
}

// ListLatest 每个 symbol 的最新一条
func (r *Repo) ListLatest(ctx context.Context, protocol domain.Protocol, chain string, limit int) ([]domain.PriceFeed, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []feedRow
	q := `SELECT f.id, f.protocol, f.chain, f.symbol, f.base_asset, f.quote_asset, f.price, f.price_raw, f.decimals,
  f.ts_ms, f.block_number, f.confidence, f.is_stale, f.staleness_seconds, f.deviation, f.sources, f.updated_at_ms
FROM price_feeds f
JOIN (SELECT symbol, MAX(ts_ms) AS ts_ms FROM price_feeds WHERE protocol = ? AND chain = ? GROUP BY symbol) m
  ON f.symbol = m.symbol AND f.ts_ms = m.ts_ms
WHERE f.protocol = ? AND f.chain = ?
ORDER BY f.symbol
LIMIT ?`
	if err := r.g.Select(ctx, "list latest", &rows, q, string(protocol), chain, string(protocol), chain, limit); err != nil {
		return nil, err
	}
	return toFeeds(rows), nil
}

// LatestAcrossProtocols 同链同 symbol 下每个协议的最新一条，用于交叉均价
func (r *Repo) LatestAcrossProtocols(ctx context.Context, chain, symbol string) ([]domain.PriceFeed, error) {
	symbol = domain.NormalizeSymbol(symbol)
	var rows []feedRow
	q := `SELECT f.id, f.protocol, f.chain, f.symbol, f.base_asset, f.quote_asset, f.price, f.price_raw, f.decimals,
  f.ts_ms, f.block_number, f.confidence, f.is_stale, f.staleness_seconds, f.deviation, f.sources, f.updated_at_ms
FROM price_feeds f
JOIN (SELECT protocol, MAX(ts_ms) AS ts_ms FROM price_feeds WHERE chain = ? AND symbol = ? GROUP BY protocol) m
  ON f.protocol = m.protocol AND f.ts_ms = m.ts_ms
WHERE f.chain = ? AND f.symbol = ?`
	if err := r.g.Select(ctx, "latest across protocols", &rows, q, chain, symbol, chain, symbol); err != nil {
		return nil, err
	}
	return toFeeds(rows), nil
}

// DeleteFeedsBefore 清理过期历史
func (r *Repo) DeleteFeedsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.g.Exec(ctx, "prune feeds", `DELETE FROM price_feeds WHERE ts_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune feeds rows affected: %w", err)
	}
	return n, nil
}

func toFeeds(rows []feedRow) []domain.PriceFeed {
	out := make([]domain.PriceFeed, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}
