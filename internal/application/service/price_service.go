package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
	dsvc "oraclesync/internal/domain/service"
)

// 偏离参考价模式
const (
	ReferencePrevious = "previous"
	ReferenceCross    = "cross"
)

// PriceService 价格查询：最新价、偏离参考价、跨协议均价
// cache 可以为 nil；有 cache 时先查 cache 再查库
type PriceService struct {
	cache port.PriceReader
	repo  port.PriceRepository
	mode  string
}

func NewPriceService(cache port.PriceReader, repo port.PriceRepository, mode string) *PriceService {
	if mode != ReferenceCross {
		mode = ReferencePrevious
	}
	return &PriceService{cache: cache, repo: repo, mode: mode}
}

// LatestPrice 同一协议/链/symbol 的最新价格
func (s *PriceService) LatestPrice(ctx context.Context, protocol domain.Protocol, chain, symbol string) (*domain.PriceFeed, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if s.cache != nil {
		f, err := s.cache.LatestPrice(ctx, protocol, chain, symbol)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			log.Debug().Err(err).Str("symbol", symbol).Msg("price cache lookup failed, falling back to store")
		}
	}
	return s.repo.LatestPrice(ctx, protocol, chain, symbol)
}

// ReferencePrice 计算偏离所用的参考价
// previous：上一次存储的同源价格；cross：其他协议同链同 symbol 最新价的均值
func (s *PriceService) ReferencePrice(ctx context.Context, f domain.PriceFeed) (decimal.Decimal, bool, error) {
	if s.mode == ReferenceCross {
		avg, n, err := s.crossAverage(ctx, f.Chain, f.Symbol, f.Protocol)
		if err != nil || n == 0 {
			return decimal.Zero, false, err
		}
		return avg, true, nil
	}

	prev, err := s.LatestPrice(ctx, f.Protocol, f.Chain, f.Symbol)
	if errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return prev.Price, true, nil
}

// CrossProtocolAverage 同链同 symbol 各协议最新价的均值，n 为参与的协议数
func (s *PriceService) CrossProtocolAverage(ctx context.Context, chain, symbol string) (decimal.Decimal, int, error) {
	return s.crossAverage(ctx, chain, symbol, "")
}

func (s *PriceService) crossAverage(ctx context.Context, chain, symbol string, exclude domain.Protocol) (decimal.Decimal, int, error) {
	feeds, err := s.repo.LatestAcrossProtocols(ctx, chain, domain.NormalizeSymbol(symbol))
	if err != nil {
		return decimal.Zero, 0, err
	}
	prices := make([]decimal.Decimal, 0, len(feeds))
	for _, f := range feeds {
		if f.Protocol == exclude || f.IsStale {
			continue
		}
		prices = append(prices, f.Price)
	}
	return dsvc.CrossAverage(prices), len(prices), nil
}

var _ port.ReferenceSource = (*PriceService)(nil)
