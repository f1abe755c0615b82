package websocket

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Filter 订阅过滤条件：gjson 路径 -> 期望值，全部满足才匹配
// 例: {"payload.chain": "ethereum", "payload.feeds.#.symbol": "ETH/USD"}
// 路径结果为数组时任一元素相等即可
type Filter map[string]any

// Match 在事件 JSON 上求值；空过滤器匹配全部
func (f Filter) Match(event []byte) bool {
	for path, want := range f {
		if !matchValue(gjson.GetBytes(event, path), want) {
			return false
		}
	}
	return true
}

func matchValue(r gjson.Result, want any) bool {
	if !r.Exists() {
		return false
	}
	if r.IsArray() {
		for _, el := range r.Array() {
			if matchValue(el, want) {
				return true
			}
		}
		return false
	}
	switch w := want.(type) {
	case bool:
		return (r.Type == gjson.True && w) || (r.Type == gjson.False && !w)
	case float64:
		return r.Type == gjson.Number && r.Float() == w
	case string:
		return r.String() == w
	default:
		return r.String() == fmt.Sprint(w)
	}
}
