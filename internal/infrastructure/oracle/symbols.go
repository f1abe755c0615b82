package oracle

import (
	"context"
	"sort"
	"strings"

	"oraclesync/internal/domain"
)

// StaticSymbols 静态 symbol 列表
// 优先级：实例 config 中的 symbols（逗号分隔） > 配置文件 [symbols.<protocol>] > 实例的 feed: 映射
type StaticSymbols struct {
	byProtocol map[string]map[string][]string
}

func NewStaticSymbols(byProtocol map[string]map[string][]string) *StaticSymbols {
	return &StaticSymbols{byProtocol: byProtocol}
}

func (s *StaticSymbols) Symbols(_ context.Context, inst domain.SyncInstance) ([]string, error) {
	if v := inst.ConfigValue("symbols"); v != "" {
		return splitSymbols(v), nil
	}
	if chains, ok := s.byProtocol[string(inst.Protocol)]; ok {
		if list, ok := chains[strings.ToLower(inst.Chain)]; ok && len(list) > 0 {
			return append([]string(nil), list...), nil
		}
	}
	feeds := inst.ConfigWithPrefix(FeedConfigPrefix)
	out := make([]string, 0, len(feeds))
	for sym := range feeds {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

// FeedConfigPrefix 实例 config 中 symbol -> 合约地址/price id 的 key 前缀
const FeedConfigPrefix = "feed:"

func splitSymbols(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		sym := domain.NormalizeSymbol(p)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}
