package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/zapbank/backend/internal/models"
)

type PaymentStatus string

const (
	PaymentStatusSettled  PaymentStatus = "SETTLED"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusInFlight PaymentStatus = "IN_FLIGHT"
)

type PaymentLookup struct {
	Status       PaymentStatus `json:"status"`
	RoundedUpFee uint64        `json:"roundedUpFee"` // sats
	Preimage     string        `json:"preimage,omitempty"`
}

type InvoiceLookup struct {
	IsSettled      bool   `json:"isSettled"`
	IsHeld         bool   `json:"isHeld"`
	IsCanceled     bool   `json:"isCanceled"`
	ReceivedAmount uint64 `json:"receivedAmount"` // sats, rounded down
	Description    string `json:"description"`
	Secret         string `json:"secret,omitempty"`
}

type PayResult struct {
	Status       PaymentStatus `json:"status"`
	RoundedUpFee uint64        `json:"roundedUpFee"`
}

var (
	ErrPaymentNotFound = errors.New("payment not found at node")
	ErrInvoiceNotFound = errors.New("invoice not found at node")
)

// Client is the narrow boundary to the Lightning node proxy. The ledger never
// talks to the node directly; everything funnels through these five calls.
type Client interface {
	LookupPayment(ctx context.Context, pubkey models.Pubkey, hash models.PaymentHash) (*PaymentLookup, error)
	LookupInvoice(ctx context.Context, pubkey models.Pubkey, hash models.PaymentHash) (*InvoiceLookup, error)
	SettleInvoice(ctx context.Context, pubkey models.Pubkey, secret string) error
	CancelInvoice(ctx context.Context, pubkey models.Pubkey, hash models.PaymentHash) error
	PayInvoice(ctx context.Context, pubkey models.Pubkey, hash models.PaymentHash, invoice string, maxFee uint64) (*PayResult, error)
}

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient() *HTTPClient {
	viper.SetDefault("lightning.base_url", "http://localhost:9050")
	viper.SetDefault("lightning.timeout", 30*time.Second)

	return &HTTPClient{
		baseURL: viper.GetString("lightning.base_url"),
		client:  &http.Client{Timeout: viper.GetDuration("lightning.timeout")},
	}
}

func (c *HTTPClient) LookupPayment(ctx context.Context, pubkey models.Pubkey, hash models.PaymentHash) (*PaymentLookup, error) {
	var result PaymentLookup
	url := fmt.Sprintf("%s/v1/payments/%s/%s", c.baseURL, pubkey, hash)
	if err := c.getJSON(ctx, url, &result, ErrPaymentNotFound); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) LookupInvoice(ctx context.Context, pubkey models.Pubkey, hash models.PaymentHash) (*InvoiceLookup, error) {
	var result InvoiceLookup
	url := fmt.Sprintf("%s/v1/invoices/%s/%s", c.baseURL, pubkey, hash)
	if err := c.getJSON(ctx, url, &result, ErrInvoiceNotFound); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) SettleInvoice(ctx context.Context, pubkey models.Pubkey, secret string) error {
	return c.postJSON(ctx, c.baseURL+"/v1/invoices/settle", map[string]string{
		"pubkey": string(pubkey),
		"secret": secret,
	}, nil)
}

func (c *HTTPClient) CancelInvoice(ctx context.Context, pubkey models.Pubkey, hash models.PaymentHash) error {
	return c.postJSON(ctx, c.baseURL+"/v1/invoices/cancel", map[string]string{
		"pubkey":      string(pubkey),
		"paymentHash": string(hash),
	}, nil)
}

// PayInvoice submits a payment. A timeout here does NOT mean the payment
// failed: the result is reported as in-flight and the reconciliation engine
// is the sole authority that later resolves it to settled or failed.
func (c *HTTPClient) PayInvoice(ctx context.Context, pubkey models.Pubkey, hash models.PaymentHash, invoice string, maxFee uint64) (*PayResult, error) {
	var result PayResult
	err := c.postJSON(ctx, c.baseURL+"/v1/payments", map[string]interface{}{
		"pubkey":      string(pubkey),
		"paymentHash": string(hash),
		"invoice":     invoice,
		"maxFee":      maxFee,
	}, &result)
	if err != nil {
		if isTimeout(err) {
			return &PayResult{Status: PaymentStatusInFlight}, nil
		}
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, url string, out interface{}, notFound error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("lightning request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return notFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lightning returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) postJSON(ctx context.Context, url string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("lightning request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("lightning returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
