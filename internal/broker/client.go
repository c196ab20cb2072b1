// Package broker implements the REST client against the upstream
// exchange's order and authentication endpoints. It is the one concrete
// implementation backing both internal/orders.BrokerClient (order
// placement/cancellation) and internal/tokens.Provider (access token
// renewal), so the rest of the system only ever depends on those two
// narrow interfaces.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/domain"
)

// Client is a REST client for one broker's trading + auth API.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// New constructs a broker REST client.
func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "broker_client").Logger(),
	}
}

type apiResponse struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type placeOrderRequest struct {
	InstrumentToken uint32 `json:"instrument_token"`
	Side            string `json:"transaction_type"`
	Quantity        string `json:"quantity"`
	Price           string `json:"price,omitempty"`
	Product         string `json:"product"`
	Variety         string `json:"variety"`
	Validity        string `json:"validity"`
}

type placeOrderData struct {
	OrderID string `json:"order_id"`
}

// PlaceOrder satisfies internal/orders.BrokerClient.
func (c *Client) PlaceOrder(ctx context.Context, account *domain.Account, req domain.OrderRequest) (string, error) {
	body := placeOrderRequest{
		InstrumentToken: req.InstrumentToken,
		Side:            string(req.Side),
		Quantity:        req.Quantity.String(),
		Product:         req.Product,
		Variety:         req.Variety,
		Validity:        req.Validity,
	}
	if req.Price != nil {
		body.Price = req.Price.String()
	}

	resp, err := c.do(ctx, http.MethodPost, "/orders", account.Credentials.APIKey, account.Token.AccessToken, body)
	if err != nil {
		return "", err
	}
	var data placeOrderData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", domain.NewError(domain.KindContract, "malformed order response", err)
	}
	return data.OrderID, nil
}

// CancelOrder satisfies internal/orders.BrokerClient.
func (c *Client) CancelOrder(ctx context.Context, account *domain.Account, brokerOrderID string) error {
	path := fmt.Sprintf("/orders/%s", brokerOrderID)
	_, err := c.do(ctx, http.MethodDelete, path, account.Credentials.APIKey, account.Token.AccessToken, nil)
	return err
}

type refreshRequest struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

type refreshData struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in_seconds"`
}

// Refresh satisfies internal/tokens.Provider.
func (c *Client) Refresh(ctx context.Context, account *domain.Account) (string, time.Time, error) {
	resp, err := c.do(ctx, http.MethodPost, "/session/token", account.Credentials.APIKey, "", refreshRequest{
		APIKey:    account.Credentials.APIKey,
		APISecret: account.Credentials.APISecret,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	var data refreshData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", time.Time{}, domain.NewError(domain.KindContract, "malformed token response", err)
	}
	expiresAt := time.Now().Add(time.Duration(data.ExpiresIn) * time.Second)
	return data.AccessToken, expiresAt, nil
}

func (c *Client) do(ctx context.Context, method, path, apiKey, accessToken string, payload interface{}) (*apiResponse, error) {
	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("broker: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.KindTransient, "broker request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewError(domain.KindTransient, "broker response read failed", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.NewError(domain.KindAuth, "broker rejected credentials", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, domain.NewError(domain.KindTransient, "broker transient failure", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, domain.NewError(domain.KindContract, "broker rejected request", fmt.Errorf("status %d: %s", resp.StatusCode, string(raw)))
	}

	var decoded apiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, domain.NewError(domain.KindContract, "malformed broker response body", err)
	}
	return &decoded, nil
}
