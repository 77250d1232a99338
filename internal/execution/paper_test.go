package execution_test

import (
	"context"
	"errors"
	"testing"

	"github.com/atlas-desktop/weekly-trader/internal/execution"
	"github.com/atlas-desktop/weekly-trader/internal/faults"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func connectedPaper(t *testing.T) *execution.PaperGateway {
	t.Helper()
	gw := execution.NewPaperGateway(zap.NewNop(), decimal.NewFromInt(100000))
	if err := gw.Connect(context.Background(), execution.ConnectParams{Host: "127.0.0.1", Port: 7497, ClientID: 7}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return gw
}

func TestPaperGatewayUnavailableWhenDisconnected(t *testing.T) {
	gw := execution.NewPaperGateway(zap.NewNop(), decimal.NewFromInt(1000))

	_, err := gw.PlaceOrder(context.Background(), execution.NewMarketOrder("AAPL", types.OrderSideBuy, decimal.NewFromInt(1)))
	if !errors.Is(err, faults.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if !faults.IsRetryable(err) {
		t.Error("gateway unavailable should be retryable")
	}
}

func TestPaperGatewayMarketFillAndStopTrigger(t *testing.T) {
	gw := connectedPaper(t)
	ctx := context.Background()

	var updates []types.OrderUpdate
	gw.SetOrderHandler(func(u types.OrderUpdate) { updates = append(updates, u) })
	gw.SetPrice("AAPL", decimal.NewFromInt(100))

	entryID, err := gw.PlaceOrder(ctx, execution.NewMarketOrder("AAPL", types.OrderSideBuy, decimal.NewFromInt(10)))
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if len(updates) != 1 || updates[0].OrderID != entryID || updates[0].Status != types.OrderStatusFilled {
		t.Fatalf("expected one filled update for entry, got %+v", updates)
	}

	stopID, err := gw.PlaceOrder(ctx, execution.NewStopOrder("AAPL", types.OrderSideSell, decimal.NewFromInt(10), decimal.NewFromInt(95)))
	if err != nil {
		t.Fatalf("PlaceOrder stop failed: %v", err)
	}
	if _, err := gw.ReplaceStop(ctx, stopID, decimal.NewFromInt(98)); err != nil {
		t.Fatalf("ReplaceStop failed: %v", err)
	}

	gw.SetPrice("AAPL", decimal.NewFromInt(99))
	if len(updates) != 1 {
		t.Fatalf("stop should not trigger above 98, got %d updates", len(updates))
	}

	gw.SetPrice("AAPL", decimal.NewFromInt(97))
	if len(updates) != 2 || updates[1].OrderID != stopID {
		t.Fatalf("expected stop fill update, got %+v", updates)
	}

	positions, err := gw.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("expected flat book after stop, got %+v", positions)
	}

	acct, err := gw.GetAccount(ctx)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	// bought 10 @ 100, sold 10 @ 97
	if !acct.Equity.Equal(decimal.NewFromInt(99970)) {
		t.Errorf("equity = %s, want 99970", acct.Equity)
	}
	if !acct.DailyPnL().Equal(decimal.NewFromInt(-30)) {
		t.Errorf("daily pnl = %s, want -30", acct.DailyPnL())
	}
}

func TestPaperGatewayShortPosition(t *testing.T) {
	gw := connectedPaper(t)
	ctx := context.Background()
	gw.SetPrice("SPY", decimal.NewFromInt(500))

	if _, err := gw.PlaceOrder(ctx, execution.NewMarketOrder("SPY", types.OrderSideSell, decimal.NewFromInt(4))); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	positions, _ := gw.GetPositions(ctx)
	if len(positions) != 1 || !positions[0].Quantity.Equal(decimal.NewFromInt(-4)) {
		t.Fatalf("expected -4 SPY, got %+v", positions)
	}

	gw.SetPrice("SPY", decimal.NewFromInt(490))
	acct, _ := gw.GetAccount(ctx)
	if !acct.Equity.Equal(decimal.NewFromInt(100040)) {
		t.Errorf("equity = %s, want 100040", acct.Equity)
	}
}

func TestPaperGatewayManualFill(t *testing.T) {
	gw := connectedPaper(t)
	gw.SetAutoFill(false)
	gw.SetPrice("MSFT", decimal.NewFromInt(400))

	id, err := gw.PlaceOrder(context.Background(), execution.NewMarketOrder("MSFT", types.OrderSideBuy, decimal.NewFromInt(2)))
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	o, _ := gw.GetOrder(context.Background(), id)
	if o.Status != types.OrderStatusOpen {
		t.Fatalf("expected open order, got %s", o.Status)
	}
	if err := gw.FillOrder(id); err != nil {
		t.Fatalf("FillOrder failed: %v", err)
	}
	o, _ = gw.GetOrder(context.Background(), id)
	if o.Status != types.OrderStatusFilled {
		t.Errorf("expected filled order, got %s", o.Status)
	}
}
