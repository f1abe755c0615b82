package composite

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
)

// Writer 主存储写失败即失败；次级存储（缓存等）尽力而为，只记录日志
type Writer struct {
	primary     port.PriceWriter
	secondaries []port.PriceWriter
}

func NewWriter(primary port.PriceWriter, secondaries ...port.PriceWriter) *Writer {
	// nil repos are allowed; filter in constructor for safety
	out := make([]port.PriceWriter, 0, len(secondaries))
	for _, r := range secondaries {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Writer{primary: primary, secondaries: out}
}

func (w *Writer) UpsertFeeds(ctx context.Context, feeds []domain.PriceFeed) (int, error) {
	n, err := w.primary.UpsertFeeds(ctx, feeds)
	if err != nil {
		return 0, err
	}
	for _, s := range w.secondaries {
		if _, err := s.UpsertFeeds(ctx, feeds); err != nil {
			log.Warn().Err(err).Int("feeds", len(feeds)).Msg("secondary price write failed")
		}
	}
	return n, nil
}

// Reader 依次查询，缓存未命中或出错时回退到下一个
type Reader struct {
	readers []port.PriceReader
}

func NewReader(readers ...port.PriceReader) *Reader {
	out := make([]port.PriceReader, 0, len(readers))
	for _, r := range readers {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Reader{readers: out}
}

func (r *Reader) LatestPrice(ctx context.Context, protocol domain.Protocol, chain, symbol string) (*domain.PriceFeed, error) {
	var lastErr error = domain.ErrNotFound
	for _, rd := range r.readers {
		f, err := rd.LatestPrice(ctx, protocol, chain, symbol)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			log.Debug().Err(err).Str("symbol", symbol).Msg("price reader failed, falling back")
		}
		lastErr = err
	}
	return nil, lastErr
}

var (
	_ port.PriceWriter = (*Writer)(nil)
	_ port.PriceReader = (*Reader)(nil)
)
