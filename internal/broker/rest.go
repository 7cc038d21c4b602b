package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RESTConfig holds brokerage gateway credentials.
type RESTConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	ClientCode string
}

// RESTClient implements Client against the brokerage HTTP gateway. Every
// endpoint decodes into its own tagged response shape; a payload that does
// not match is an error, never a silent zero value.
type RESTClient struct {
	cfg        RESTConfig
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewRESTClient creates a broker gateway client.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	return &RESTClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// envelope is the gateway's common response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RESTClient) sessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Authenticate opens a gateway session and stores the bearer token.
func (c *RESTClient) Authenticate(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"api_key":     c.cfg.APIKey,
		"api_secret":  c.cfg.APISecret,
		"client_code": c.cfg.ClientCode,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/session/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(req, &out); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("authenticate: empty session token")
	}

	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return nil
}

func (c *RESTClient) SubmitBracketOrder(ctx context.Context, r BracketOrderRequest) (string, error) {
	body, err := json.Marshal(map[string]any{
		"symbol":     r.Contract.Symbol,
		"token":      r.Contract.Token,
		"exchange":   r.Contract.Exchange,
		"side":       SideBuy,
		"qty":        r.Qty,
		"price":      r.Price,
		"square_off": r.SquareOff,
		"stop_loss":  r.StopLoss,
		"variety":    "BRACKET",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/orders/bracket", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("submit bracket order: %w", err)
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("submit bracket order: no order id in response")
	}
	return out.OrderID, nil
}

// orderPayload is the gateway's order book row.
type orderPayload struct {
	OrderID      string  `json:"order_id"`
	Symbol       string  `json:"symbol"`
	Status       string  `json:"status"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	UpdatedAt    int64   `json:"updated_at"` // unix millis
}

func (p orderPayload) record() OrderRecord {
	return OrderRecord{
		OrderID:      p.OrderID,
		Symbol:       p.Symbol,
		Status:       strings.ToUpper(p.Status),
		AvgFillPrice: p.AvgFillPrice,
		UpdatedAt:    time.UnixMilli(p.UpdatedAt),
	}
}

func (c *RESTClient) OrderBook(ctx context.Context) ([]OrderRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/orders", nil)
	if err != nil {
		return nil, err
	}
	var out []orderPayload
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("order book: %w", err)
	}
	records := make([]OrderRecord, 0, len(out))
	for _, p := range out {
		records = append(records, p.record())
	}
	return records, nil
}

// tradePayload is the gateway's trade book row.
type tradePayload struct {
	OrderID  string  `json:"order_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Qty      int     `json:"qty"`
	FillTime int64   `json:"fill_time"` // unix millis
}

func (c *RESTClient) TradeBook(ctx context.Context) ([]TradeRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/trades", nil)
	if err != nil {
		return nil, err
	}
	var out []tradePayload
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("trade book: %w", err)
	}
	trades := make([]TradeRecord, 0, len(out))
	for _, p := range out {
		trades = append(trades, TradeRecord{
			OrderID:  p.OrderID,
			Symbol:   p.Symbol,
			Side:     strings.ToUpper(p.Side),
			Price:    p.Price,
			Qty:      p.Qty,
			FillTime: time.UnixMilli(p.FillTime),
		})
	}
	return trades, nil
}

func (c *RESTClient) OrderStatus(ctx context.Context, orderID string) (OrderRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return OrderRecord{}, err
	}
	var out orderPayload
	if err := c.do(req, &out); err != nil {
		return OrderRecord{}, fmt.Errorf("order status %s: %w", orderID, err)
	}
	return out.record(), nil
}

func (c *RESTClient) GetQuote(ctx context.Context, contract ContractRef) (Quote, error) {
	q := url.Values{}
	q.Set("token", contract.Token)
	q.Set("exchange", contract.Exchange)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return Quote{}, err
	}

	var out struct {
		LastPrice float64 `json:"ltp"`
		AsOf      int64   `json:"as_of"`
	}
	if err := c.do(req, &out); err != nil {
		return Quote{}, fmt.Errorf("quote %s: %w", contract.Symbol, err)
	}
	if out.LastPrice <= 0 {
		return Quote{}, fmt.Errorf("quote %s: %w", contract.Symbol, ErrNoQuote)
	}
	return Quote{Symbol: contract.Symbol, LastPrice: out.LastPrice, AsOf: time.UnixMilli(out.AsOf)}, nil
}

func (c *RESTClient) AvailableMargin(ctx context.Context) (Margin, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/margin", nil)
	if err != nil {
		return Margin{}, err
	}
	var out struct {
		Available float64 `json:"available"`
	}
	if err := c.do(req, &out); err != nil {
		return Margin{}, fmt.Errorf("margin: %w", err)
	}
	return Margin{Available: out.Available, AsOf: time.Now()}, nil
}

func (c *RESTClient) ResolveContract(ctx context.Context, instrument string, strike float64, optionType, expiry string) (ContractRef, error) {
	q := url.Values{}
	q.Set("instrument", instrument)
	q.Set("strike", fmt.Sprintf("%.2f", strike))
	q.Set("option_type", strings.ToUpper(optionType))
	q.Set("expiry", expiry)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/contracts/resolve?"+q.Encode(), nil)
	if err != nil {
		return ContractRef{}, err
	}

	var out struct {
		Symbol   string `json:"symbol"`
		Token    string `json:"token"`
		Exchange string `json:"exchange"`
		LotSize  int    `json:"lot_size"`
	}
	if err := c.do(req, &out); err != nil {
		return ContractRef{}, fmt.Errorf("resolve %s %.0f %s: %w", instrument, strike, optionType, err)
	}
	if out.Token == "" {
		return ContractRef{}, fmt.Errorf("resolve %s %.0f %s: %w", instrument, strike, optionType, ErrTokenNotFound)
	}
	return ContractRef{Symbol: out.Symbol, Token: out.Token, Exchange: out.Exchange, LotSize: out.LotSize}, nil
}

// do executes the request, maps transport status codes onto the broker error
// taxonomy and unwraps the response envelope into v.
func (c *RESTClient) do(req *http.Request, v any) error {
	if token := c.sessionToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Client-Code", c.cfg.ClientCode)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return ErrAuthExpired
	case res.StatusCode >= 300:
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("gateway status %d: %s", res.StatusCode, string(b))
	}

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if !strings.EqualFold(env.Status, "success") {
		if strings.Contains(strings.ToLower(env.Message), "token") {
			return fmt.Errorf("%w: %s", ErrAuthExpired, env.Message)
		}
		return fmt.Errorf("gateway error: %s", env.Message)
	}
	if v == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
