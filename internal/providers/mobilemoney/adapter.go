// Package mobilemoney provides the client of the mobile-money aggregation
// gateway whose transaction feed is reconciled against internal payments.
package mobilemoney

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"agrifin/internal/common/money"
	"agrifin/internal/domain"
)

// Config holds gateway adapter configuration.
type Config struct {
	BaseURL string        `envconfig:"GATEWAY_BASE_URL" default:"http://localhost:9090"`
	APIKey  string        `envconfig:"GATEWAY_API_KEY"`
	Timeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
}

// TxStatus is the gateway-side status of a transaction.
type TxStatus string

const (
	TxSuccess TxStatus = "SUCCESS"
	TxPending TxStatus = "PENDING"
	TxFailed  TxStatus = "FAILED"
)

// Transaction is one entry of the gateway feed.
type Transaction struct {
	ID         string    `json:"id"`
	Phone      string    `json:"phone"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	Operator   string    `json:"operator"`
	Type       string    `json:"type,omitempty"`
	Status     TxStatus  `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ListResponse is the response of the transaction listing endpoint.
type ListResponse struct {
	Transactions  []Transaction `json:"transactions"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

// Query selects a page of the feed.
type Query struct {
	Since     time.Time
	Until     time.Time
	PageToken string
	Limit     int
}

// Page is a page of settled gateway transactions.
type Page struct {
	Transactions  []*domain.ExternalTransaction
	NextPageToken string
	Skipped       int
}

// Adapter reads the gateway transaction feed.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a new gateway adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// ListTransactions fetches one page of successful transactions. Transport
// errors, error statuses and undecodable bodies wrap domain.ErrFeedUnavailable.
func (a *Adapter) ListTransactions(ctx context.Context, q Query) (*Page, error) {
	params := url.Values{}
	params.Set("since", q.Since.UTC().Format(time.RFC3339))
	params.Set("until", q.Until.UTC().Format(time.RFC3339))
	if q.PageToken != "" {
		params.Set("page_token", q.PageToken)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(a.config.BaseURL, "/")+"/v1/transactions?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if a.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: http request: %v", domain.ErrFeedUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrFeedUnavailable, err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: gateway api error: status=%d body=%s", domain.ErrFeedUnavailable, httpResp.StatusCode, string(respBody))
	}

	var resp ListResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrFeedUnavailable, err)
	}

	page := &Page{NextPageToken: resp.NextPageToken}
	for _, tx := range resp.Transactions {
		ext, ok := a.convert(tx)
		if !ok {
			page.Skipped++
			continue
		}
		page.Transactions = append(page.Transactions, ext)
	}

	a.logger.Debug("gateway page fetched",
		"count", len(page.Transactions),
		"skipped", page.Skipped,
		"has_more", page.NextPageToken != "",
	)
	return page, nil
}

// convert keeps settled FCFA transactions with an id. Unknown operators or
// kinds are kept with the field left empty.
func (a *Adapter) convert(tx Transaction) (*domain.ExternalTransaction, bool) {
	if tx.ID == "" || tx.Status != TxSuccess {
		return nil, false
	}
	if tx.Currency != "" && !strings.EqualFold(tx.Currency, money.Currency) {
		a.logger.Warn("skipping gateway transaction in foreign currency",
			"gateway_tx_id", tx.ID,
			"currency", tx.Currency,
		)
		return nil, false
	}

	ext := &domain.ExternalTransaction{
		GatewayTxID: tx.ID,
		Phone:       domain.NormalizePhone(tx.Phone),
		Amount:      money.Amount(tx.Amount),
		OccurredAt:  tx.OccurredAt.UTC(),
	}
	if op, err := domain.ParseOperator(strings.ToLower(tx.Operator)); err == nil {
		ext.Operator = op
	}
	if kind, err := domain.ParsePaymentKind(tx.Type); err == nil {
		ext.Kind = kind
	}
	return ext, true
}
