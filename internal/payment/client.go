// Package payment предоставляет клиент внешнего платёжного шлюза.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Статусы платежа, которые сообщает шлюз.
const (
	StatusRegistered = "REGISTERED"
	StatusProcessing = "PROCESSING"
	StatusConfirmed  = "CONFIRMED"
	StatusFailed     = "FAILED"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Status описывает ответ шлюза по одному платежу.
type Status struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    *int64 `json:"amount,omitempty"`
}

// NewClient создаёт HTTP-клиент для обращения к шлюзу по указанному адресу.
// Временные сетевые ошибки повторяются на уровне транспорта.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil
	// Паузу после 429 выдерживает вызывающий по Retry-After,
	// транспорт такие ответы не повторяет.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

// GetPaymentStatus запрашивает состояние платежа по ссылке шлюза.
// Для ответа 429 возвращает рекомендованную паузу из заголовка Retry-After.
func (c *Client) GetPaymentStatus(ctx context.Context, reference string) (*Status, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("payment client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/payments/%s", base, reference)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Status
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
