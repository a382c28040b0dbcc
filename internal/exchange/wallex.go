package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	wallex "github.com/wallexchange/wallex-go"

	"github.com/amirphl/stop-trigger/internal/tfutils"
)

// candleSource is the part of the wallex client the feed needs.
type candleSource interface {
	Candles(symbol, resolution string, from, to time.Time) ([]*wallex.Candle, error)
}

// WallexFeed is a PriceFeed reading the close of the latest Wallex candle.
type WallexFeed struct {
	client     candleSource
	resolution string
	window     time.Duration
	now        func() time.Time
}

// NewWallexFeed maps granularity to the closest Wallex resolution; anything
// below one minute reads one minute candles.
func NewWallexFeed(apiKey, granularity string) *WallexFeed {
	d, err := tfutils.ParseGranularity(granularity)
	if err != nil || d < time.Minute {
		d = time.Minute
	}
	return &WallexFeed{
		client:     wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		resolution: tfutils.WallexResolution(d),
		window:     5 * d,
		now:        time.Now,
	}
}

func (w *WallexFeed) Name() string {
	return "wallex"
}

// NormalizeSymbol maps an instrument like "BTC_USDT" to Wallex's "BTCUSDT".
func NormalizeSymbol(instrument string) string {
	r := strings.NewReplacer("_", "", "-", "", "/", "")
	return strings.ToUpper(r.Replace(instrument))
}

func (w *WallexFeed) LatestPrice(ctx context.Context, instrument string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	end := w.now().UTC()
	start := end.Add(-w.window)
	candles, err := w.client.Candles(NormalizeSymbol(instrument), w.resolution, start, end)
	if err != nil {
		return 0, fmt.Errorf("fetching candles: %w", err)
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("no candles returned for %s", instrument)
	}

	latest := candles[0]
	for _, c := range candles[1:] {
		if c.Timestamp.After(latest.Timestamp) {
			latest = c
		}
	}
	price, err := strconv.ParseFloat(string(latest.Close), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing close %q: %w", latest.Close, err)
	}
	return price, nil
}
