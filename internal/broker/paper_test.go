package broker

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func paperClient(spot float64) *PaperClient {
	return &PaperClient{
		SpotPrice: func(string) float64 { return spot },
		LotSizes:  map[string]int{"NIFTY": 75},
		Margin:    100000,
	}
}

func TestPaperQuotePricesIntrinsicPlusTimeValue(t *testing.T) {
	tests := []struct {
		name       string
		spot       float64
		strike     float64
		optionType string
		want       float64
	}{
		{"in the money call", 25000, 24900, "CALL", 100 + 25000*timeValueFrac},
		{"out of the money call", 24800, 24900, "CALL", 24800 * timeValueFrac},
		{"in the money put", 24800, 24900, "PUT", 100 + 24800*timeValueFrac},
		{"at the money put", 24900, 24900, "PUT", 24900 * timeValueFrac},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := paperClient(tt.spot)
			ref, err := p.ResolveContract(context.Background(), "NIFTY", tt.strike, tt.optionType, "25SEP")
			if err != nil {
				t.Fatalf("ResolveContract failed: %v", err)
			}
			q, err := p.GetQuote(context.Background(), ref)
			if err != nil {
				t.Fatalf("GetQuote failed: %v", err)
			}
			if math.Abs(q.LastPrice-tt.want) > 1e-9 {
				t.Errorf("premium = %.4f, expected %.4f", q.LastPrice, tt.want)
			}
		})
	}
}

func TestPaperQuoteUnknownContract(t *testing.T) {
	p := paperClient(25000)
	_, err := p.GetQuote(context.Background(), ContractRef{Symbol: "NEVERRESOLVED"})
	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestPaperQuoteWithoutSpot(t *testing.T) {
	p := paperClient(0)
	ref, err := p.ResolveContract(context.Background(), "NIFTY", 24900, "CALL", "25SEP")
	if err != nil {
		t.Fatalf("ResolveContract failed: %v", err)
	}
	if _, err := p.GetQuote(context.Background(), ref); !errors.Is(err, ErrNoQuote) {
		t.Errorf("expected ErrNoQuote, got %v", err)
	}
}

func TestPaperResolveBuildsSymbol(t *testing.T) {
	p := paperClient(25000)
	ref, err := p.ResolveContract(context.Background(), "NIFTY", 24900, "PUT", "25SEP")
	if err != nil {
		t.Fatalf("ResolveContract failed: %v", err)
	}
	if ref.Symbol != "NIFTY25SEP24900PE" {
		t.Errorf("symbol = %q", ref.Symbol)
	}
	if ref.Token != "PAPER-NIFTY25SEP24900PE" || ref.LotSize != 75 {
		t.Errorf("ref = %+v", ref)
	}

	if _, err := p.ResolveContract(context.Background(), "UNLISTED", 100, "CALL", "25SEP"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("unknown instrument should fail resolve, got %v", err)
	}
}

func TestMarginCacheFixedValueIsFresh(t *testing.T) {
	mc := NewMarginCache(nil, time.Second)
	if _, fresh := mc.Snapshot(); fresh {
		t.Fatal("unseeded cache reported fresh")
	}
	mc.SetFixed(100000)
	margin, fresh := mc.Snapshot()
	if !fresh || margin.Available != 100000 {
		t.Errorf("snapshot = %+v fresh=%v, expected fresh 100000", margin, fresh)
	}
}

func TestMarginCacheKeepsSnapshotOnSyncFailure(t *testing.T) {
	inner := &scriptedMarginClient{available: 50000}
	mc := NewMarginCache(inner, time.Second)
	if err := mc.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	inner.err = errors.New("gateway down")
	if err := mc.Sync(context.Background()); err == nil {
		t.Fatal("expected sync error")
	}
	margin, fresh := mc.Snapshot()
	if fresh {
		t.Error("snapshot should be stale after failed sync")
	}
	if margin.Available != 50000 {
		t.Errorf("available = %.0f, previous snapshot should survive", margin.Available)
	}
}

type scriptedMarginClient struct {
	available float64
	err       error
}

func (s *scriptedMarginClient) Authenticate(ctx context.Context) error { return nil }
func (s *scriptedMarginClient) SubmitBracketOrder(ctx context.Context, req BracketOrderRequest) (string, error) {
	return "", nil
}
func (s *scriptedMarginClient) OrderBook(ctx context.Context) ([]OrderRecord, error) {
	return nil, nil
}
func (s *scriptedMarginClient) TradeBook(ctx context.Context) ([]TradeRecord, error) {
	return nil, nil
}
func (s *scriptedMarginClient) OrderStatus(ctx context.Context, id string) (OrderRecord, error) {
	return OrderRecord{}, nil
}
func (s *scriptedMarginClient) GetQuote(ctx context.Context, c ContractRef) (Quote, error) {
	return Quote{}, nil
}
func (s *scriptedMarginClient) AvailableMargin(ctx context.Context) (Margin, error) {
	if s.err != nil {
		return Margin{}, s.err
	}
	return Margin{Available: s.available, AsOf: time.Now()}, nil
}
func (s *scriptedMarginClient) ResolveContract(ctx context.Context, i string, k float64, o, e string) (ContractRef, error) {
	return ContractRef{}, nil
}
