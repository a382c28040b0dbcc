package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/stop-trigger/internal/order"
	"github.com/amirphl/stop-trigger/internal/tfutils"
	"github.com/amirphl/stop-trigger/internal/utils"
)

// gtdLayout is RFC 3339 with milliseconds and a zone offset.
const gtdLayout = "2006-01-02T15:04:05.000Z07:00"

// OandaClient talks to the OANDA v20 REST API. It serves as both the
// PriceFeed and the ExecutionClient.
type OandaClient struct {
	endpoint    string
	token       string
	accountID   string
	granularity string
	client      *http.Client
}

func NewOandaClient(endpoint, token, accountID, granularity string) *OandaClient {
	if granularity == "" {
		granularity = tfutils.FinestGranularity
	}
	return &OandaClient{
		endpoint:    strings.TrimRight(endpoint, "/"),
		token:       token,
		accountID:   accountID,
		granularity: granularity,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *OandaClient) Name() string {
	return "oanda"
}

type oandaCandlesResponse struct {
	Instrument string `json:"instrument"`
	Candles    []struct {
		Complete bool   `json:"complete"`
		Time     string `json:"time"`
		Mid      *struct {
			C string `json:"c"`
		} `json:"mid"`
	} `json:"candles"`
}

type oandaPriceDetails struct {
	Price string `json:"price"`
}

type oandaStopOrderRequest struct {
	Type             string            `json:"type"`
	Instrument       string            `json:"instrument"`
	Units            string            `json:"units"`
	Price            string            `json:"price"`
	TimeInForce      string            `json:"timeInForce"`
	GtdTime          string            `json:"gtdTime,omitempty"`
	PositionFill     string            `json:"positionFill"`
	StopLossOnFill   oandaPriceDetails `json:"stopLossOnFill"`
	TakeProfitOnFill oandaPriceDetails `json:"takeProfitOnFill"`
}

type oandaTransaction struct {
	ID           string `json:"id"`
	Reason       string `json:"reason"`
	RejectReason string `json:"rejectReason"`
}

type oandaOrderCreateResponse struct {
	OrderCreateTransaction *oandaTransaction `json:"orderCreateTransaction"`
	OrderCancelTransaction *oandaTransaction `json:"orderCancelTransaction"`
	OrderRejectTransaction *oandaTransaction `json:"orderRejectTransaction"`
	ErrorCode              string            `json:"errorCode"`
	ErrorMessage           string            `json:"errorMessage"`
}

// LatestPrice returns the mid close of the most recent candle.
func (c *OandaClient) LatestPrice(ctx context.Context, instrument string) (float64, error) {
	q := url.Values{}
	q.Set("count", "1")
	q.Set("price", "M")
	q.Set("granularity", c.granularity)
	path := fmt.Sprintf("/v3/instruments/%s/candles?%s", url.PathEscape(instrument), q.Encode())

	var resp oandaCandlesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, fmt.Errorf("fetching candles: %w", err)
	}
	if len(resp.Candles) == 0 {
		return 0, fmt.Errorf("no candles returned for %s", instrument)
	}
	last := resp.Candles[len(resp.Candles)-1]
	if last.Mid == nil {
		return 0, fmt.Errorf("candle for %s has no mid price", instrument)
	}
	price, err := strconv.ParseFloat(last.Mid.C, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing mid close %q: %w", last.Mid.C, err)
	}
	return price, nil
}

// PlaceStopOrder creates a STOP order with stop loss and take profit on fill.
func (c *OandaClient) PlaceStopOrder(ctx context.Context, spec StopOrderSpec) (PlacementResult, error) {
	body := struct {
		Order oandaStopOrderRequest `json:"order"`
	}{
		Order: oandaStopOrderRequest{
			Type:             "STOP",
			Instrument:       spec.Instrument,
			Units:            strconv.FormatInt(spec.Units, 10),
			Price:            formatPrice(spec.Instrument, spec.Price),
			TimeInForce:      spec.TimeInForce,
			PositionFill:     "DEFAULT",
			StopLossOnFill:   oandaPriceDetails{Price: formatPrice(spec.Instrument, spec.StopLoss)},
			TakeProfitOnFill: oandaPriceDetails{Price: formatPrice(spec.Instrument, spec.TakeProfit)},
		},
	}
	if spec.TimeInForce == "GTD" {
		body.Order.GtdTime = spec.GTDTime.Format(gtdLayout)
	}

	var resp oandaOrderCreateResponse
	path := fmt.Sprintf("/v3/accounts/%s/orders", url.PathEscape(c.accountID))
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		var apiErr *oandaAPIError
		if errors.As(err, &apiErr) && apiErr.body.OrderRejectTransaction != nil {
			return rejectedPlacement(apiErr.body), nil
		}
		return PlacementResult{}, err
	}
	if resp.OrderCreateTransaction == nil {
		if resp.OrderRejectTransaction != nil {
			return rejectedPlacement(resp), nil
		}
		return PlacementResult{}, errors.New("response has no order create transaction")
	}

	result := PlacementResult{CreateTransactionID: resp.OrderCreateTransaction.ID}
	if tx := resp.OrderCancelTransaction; tx != nil {
		result.CancelTransaction = &CancelTransaction{ID: tx.ID, Reason: tx.Reason}
	}
	return result, nil
}

// do sends a request and decodes the JSON response into out. Non 2xx answers
// become errors carrying OANDA's errorMessage.
func (c *OandaClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Datetime-Format", "RFC3339")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &oandaAPIError{status: res.Status}
		_ = json.Unmarshal(raw, &apiErr.body)
		utils.GetLogger().Debugf("Exchange | oanda %s %s failed: %s %s", method, path, res.Status, string(raw))
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// oandaAPIError is a non 2xx answer. body holds whatever part of the order
// response OANDA sent along.
type oandaAPIError struct {
	status string
	body   oandaOrderCreateResponse
}

func (e *oandaAPIError) Error() string {
	if e.body.ErrorMessage != "" {
		return fmt.Sprintf("oanda %s: %s", e.status, e.body.ErrorMessage)
	}
	return "oanda " + e.status
}

// rejectedPlacement reports an order the venue refused at creation. The order
// reached the venue, so this is a rejection and not an execution fault.
func rejectedPlacement(resp oandaOrderCreateResponse) PlacementResult {
	tx := resp.OrderRejectTransaction
	reason := tx.RejectReason
	if reason == "" {
		reason = resp.ErrorCode
	}
	result := PlacementResult{CancelTransaction: &CancelTransaction{ID: tx.ID, Reason: reason}}
	if resp.OrderCreateTransaction != nil {
		result.CreateTransactionID = resp.OrderCreateTransaction.ID
	}
	return result
}

// formatPrice renders a price with one digit below the pip, the precision
// OANDA accepts for currency pairs.
func formatPrice(instrument string, price float64) string {
	precision := 5
	if order.PipValue(instrument) == 0.01 {
		precision = 3
	}
	return strconv.FormatFloat(price, 'f', precision, 64)
}
