package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/stop-trigger/internal/utils"
)

// PaperExecution accepts every stop order without sending it anywhere. It is
// used for dry runs against a live price feed.
type PaperExecution struct {
	mu           sync.Mutex
	orderCounter int64 // Counter for generating unique transaction IDs
	placed       []StopOrderSpec
}

func NewPaperExecution() *PaperExecution {
	return &PaperExecution{orderCounter: 1000}
}

func (p *PaperExecution) Name() string {
	return "paper"
}

func (p *PaperExecution) PlaceStopOrder(ctx context.Context, spec StopOrderSpec) (PlacementResult, error) {
	select {
	case <-ctx.Done():
		return PlacementResult{}, ctx.Err()
	default:
	}

	p.mu.Lock()
	p.orderCounter++
	txID := fmt.Sprintf("paper_%d_%d", time.Now().Unix(), p.orderCounter)
	p.placed = append(p.placed, spec)
	p.mu.Unlock()

	utils.GetLogger().Infof("Exchange | paper stop order %s units=%d price=%g sl=%g tp=%g gtd=%s tx=%s",
		spec.Instrument, spec.Units, spec.Price, spec.StopLoss, spec.TakeProfit, spec.GTDTime.Format(gtdLayout), txID)

	return PlacementResult{CreateTransactionID: txID}, nil
}

// Placed returns the orders accepted so far.
func (p *PaperExecution) Placed() []StopOrderSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StopOrderSpec, len(p.placed))
	copy(out, p.placed)
	return out
}
