package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/contracts"
	"github.com/blackforestdev/njord-quant/internal/errtag"
)

// RESTVenue is a generic REST Venue implementation. The Adapter (Client)
// owns retry/backoff timing so resty's own retry count stays at 0 here —
// RESTVenue's job is purely to classify each HTTP outcome.
type RESTVenue struct {
	http *resty.Client
	log  zerolog.Logger
}

func NewRESTVenue(baseURL string, timeout time.Duration, log zerolog.Logger) *RESTVenue {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0)
	return &RESTVenue{http: c, log: log.With().Str("component", "broker.rest").Logger()}
}

func (v *RESTVenue) FetchBalance(ctx context.Context) (map[string]float64, error) {
	var balances map[string]float64
	resp, err := v.http.R().SetContext(ctx).SetResult(&balances).Get("/balance")
	if err != nil {
		return nil, &ClassifiedError{Reason: errtag.ReasonTransient, Err: err}
	}
	if classified := classifyStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), resp.String()); classified != nil {
		return nil, classified
	}
	return balances, nil
}

func (v *RESTVenue) FetchOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	var orders []OpenOrder
	req := v.http.R().SetContext(ctx).SetResult(&orders)
	if symbol != "" {
		req.SetQueryParam("symbol", symbol)
	}
	resp, err := req.Get("/orders/open")
	if err != nil {
		return nil, &ClassifiedError{Reason: errtag.ReasonTransient, Err: err}
	}
	if classified := classifyStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), resp.String()); classified != nil {
		return nil, classified
	}
	return orders, nil
}

func (v *RESTVenue) CreateOrder(ctx context.Context, req CreateOrderRequest) (contracts.BrokerOrderAck, error) {
	var ack contracts.BrokerOrderAck
	resp, err := v.http.R().SetContext(ctx).SetBody(req).SetResult(&ack).Post("/orders")
	if err != nil {
		return contracts.BrokerOrderAck{}, &ClassifiedError{Reason: errtag.ReasonTransient, Err: err}
	}
	if resp.StatusCode() == 409 {
		return contracts.BrokerOrderAck{}, &ClassifiedError{Reason: errtag.ReasonDuplicateClientID, Err: fmt.Errorf("duplicate client_order_id %s", req.ClientOrderID)}
	}
	if classified := classifyStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), resp.String()); classified != nil {
		return contracts.BrokerOrderAck{}, classified
	}
	return ack, nil
}

func (v *RESTVenue) CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error) {
	resp, err := v.http.R().SetContext(ctx).Delete("/orders/" + exchangeOrderID)
	if err != nil {
		return false, &ClassifiedError{Reason: errtag.ReasonTransient, Err: err}
	}
	if classified := classifyStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), resp.String()); classified != nil {
		return false, classified
	}
	return true, nil
}

func (v *RESTVenue) FetchOrder(ctx context.Context, clientOrderID string) (contracts.BrokerOrderAck, error) {
	var ack contracts.BrokerOrderAck
	resp, err := v.http.R().SetContext(ctx).SetResult(&ack).Get("/orders/by-client-id/" + clientOrderID)
	if err != nil {
		return contracts.BrokerOrderAck{}, &ClassifiedError{Reason: errtag.ReasonTransient, Err: err}
	}
	if classified := classifyStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), resp.String()); classified != nil {
		return contracts.BrokerOrderAck{}, classified
	}
	return ack, nil
}

func classifyStatus(status int, retryAfterHeader, body string) *ClassifiedError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 429 || status == 418:
		return &ClassifiedError{Reason: errtag.ReasonRateLimited, RetryAfter: parseRetryAfter(retryAfterHeader), Err: fmt.Errorf("venue rate limited (status %d)", status)}
	case status >= 500:
		return &ClassifiedError{Reason: errtag.ReasonTransient, Err: fmt.Errorf("venue server error (status %d): %s", status, body)}
	default:
		return &ClassifiedError{Reason: errtag.ReasonPermanent, Err: fmt.Errorf("venue error (status %d): %s", status, body)}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}
