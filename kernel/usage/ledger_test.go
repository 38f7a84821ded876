package usage

import (
	"context"
	"fmt"
	"testing"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

func TestLedgerAccumulatesAdditively(t *testing.T) {
	ledger := NewLedger("caller-1", nil)
	ledger.Record(context.Background(), model.Usage{InputTokens: 10, OutputTokens: 5, Cost: 0.01})
	ledger.Record(context.Background(), model.Usage{InputTokens: 3, OutputTokens: 2, CachedInputTokens: 1, Cost: 0.02})

	total := ledger.Total()
	if total.InputTokens != 13 || total.OutputTokens != 7 || total.CachedInputTokens != 1 {
		t.Fatalf("unexpected totals %+v", total)
	}
	if total.Cost != 0.03 {
		t.Fatalf("unexpected cost %v", total.Cost)
	}
	if total.TotalTokens() != 20 {
		t.Fatalf("unexpected total tokens %d", total.TotalTokens())
	}
}

func TestLedgerReset(t *testing.T) {
	ledger := NewLedger("caller-1", nil)
	ledger.Record(context.Background(), model.Usage{InputTokens: 10})
	ledger.Reset()
	if total := ledger.Total(); total != (model.Usage{}) {
		t.Fatalf("expected zero usage after reset, got %+v", total)
	}
}

func TestCallbackReceivesRecords(t *testing.T) {
	ledger := NewLedger("caller-1", nil)
	var records []Record
	ledger.SetCallback(func(_ context.Context, r Record) error {
		records = append(records, r)
		return nil
	})
	ledger.Record(context.Background(), model.Usage{InputTokens: 4, OutputTokens: 6})

	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.CallerID != "caller-1" {
		t.Fatalf("unexpected caller id %q", r.CallerID)
	}
	if r.ID == "" || r.Timestamp.IsZero() {
		t.Fatalf("record missing id or timestamp: %+v", r)
	}
	if r.Usage.TotalTokens() != 10 {
		t.Fatalf("unexpected usage %+v", r.Usage)
	}
}

func TestCallbackFailuresAreSwallowed(t *testing.T) {
	ledger := NewLedger("caller-1", nil)
	ledger.SetCallback(func(context.Context, Record) error {
		return fmt.Errorf("sink unavailable")
	})
	ledger.Record(context.Background(), model.Usage{InputTokens: 1})
	if total := ledger.Total(); total.InputTokens != 1 {
		t.Fatalf("accumulation must survive callback failure, got %+v", total)
	}
}

func TestCallbackPanicsAreSwallowed(t *testing.T) {
	ledger := NewLedger("caller-1", nil)
	ledger.SetCallback(func(context.Context, Record) error {
		panic("bad sink")
	})
	ledger.Record(context.Background(), model.Usage{OutputTokens: 2})
	if total := ledger.Total(); total.OutputTokens != 2 {
		t.Fatalf("accumulation must survive callback panic, got %+v", total)
	}
}
