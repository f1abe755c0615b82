package console

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"oraclesync/internal/domain"
)

func TestSummaryRendersPerInstance(t *testing.T) {
	var buf bytes.Buffer
	s := NewSummary(NewSinkTo(&buf))

	s.HandleEvent(context.Background(), domain.NewEvent(domain.EventSyncCompleted, "pyth-solana", "pyth",
		domain.SyncCompletedPayload{Requested: 3, Stored: 3, DurationMs: 12}))
	s.HandleEvent(context.Background(), domain.NewEvent(domain.EventSyncFailed, "chainlink-ethereum", "chainlink",
		domain.SyncFailedPayload{ConsecutiveFailures: 2}))

	out := buf.String()
	idx := strings.LastIndex(out, "\r")
	if idx < 0 {
		t.Fatalf("no live line written: %q", out)
	}
	last := out[idx:]
	if !strings.Contains(last, "chainlink-ethereum FAIL(2) | pyth-solana ok 3/3 12ms") {
		t.Fatalf("unexpected live line: %q", last)
	}
}

func TestSummaryPrintsAlerts(t *testing.T) {
	var buf bytes.Buffer
	s := NewSummary(NewSinkTo(&buf))

	s.HandleEvent(context.Background(), domain.NewEvent(domain.EventAlertTriggered, "pyth-solana", "pyth",
		domain.AlertPayload{Kind: domain.AlertStale, Protocol: domain.ProtocolPyth, Chain: "solana", Symbol: "SOL/USD", Message: "stale for 90s"}))

	if !strings.Contains(buf.String(), "ALERT stale pyth/solana SOL/USD stale for 90s\n") {
		t.Fatalf("alert not printed: %q", buf.String())
	}
}
