package console

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
)

type instanceLine struct {
	ok       bool
	stored   int
	req      int
	failures int
	dur      int64
	at       time.Time
}

// Summary 每个实例最近一次同步结果汇总成一行，告警单独换行打印
type Summary struct {
	sink port.Sink

	mu    sync.Mutex
	lines map[string]instanceLine
}

func NewSummary(sink port.Sink) *Summary {
	return &Summary{sink: sink, lines: make(map[string]instanceLine)}
}

// SummaryEvents 订阅的事件类型
var SummaryEvents = []domain.EventType{domain.EventSyncCompleted, domain.EventSyncFailed, domain.EventAlertTriggered}

func (s *Summary) HandleEvent(_ context.Context, ev domain.Event) {
	switch p := ev.Payload.(type) {
	case domain.SyncCompletedPayload:
		s.update(ev.InstanceID, instanceLine{ok: true, stored: p.Stored, req: p.Requested, dur: p.DurationMs, at: ev.Timestamp})
	case domain.SyncFailedPayload:
		s.update(ev.InstanceID, instanceLine{failures: p.ConsecutiveFailures, dur: p.DurationMs, at: ev.Timestamp})
	case domain.AlertPayload:
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = s.sink.NewLine()
		_ = s.sink.WriteLive(fmt.Sprintf("%s ALERT %s %s/%s %s %s",
			ev.Timestamp.Local().Format("15:04:05"), p.Kind, p.Protocol, p.Chain, p.Symbol, p.Message))
		_ = s.sink.NewLine()
		_ = s.sink.WriteLive(s.render())
	}
}

func (s *Summary) update(id string, l instanceLine) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[id] = l
	_ = s.sink.WriteLive(s.render())
}

func (s *Summary) render() string {
	ids := make([]string, 0, len(s.lines))
	for id := range s.lines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	var last time.Time
	for i, id := range ids {
		l := s.lines[id]
		if l.at.After(last) {
			last = l.at
		}
		if i > 0 {
			b.WriteString(" | ")
		}
		if l.ok {
			fmt.Fprintf(&b, "%s ok %d/%d %dms", id, l.stored, l.req, l.dur)
		} else {
			fmt.Fprintf(&b, "%s FAIL(%d)", id, l.failures)
		}
	}
	return last.Local().Format("15:04:05") + " " + b.String()
}
