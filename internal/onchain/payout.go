package onchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/zapbank/backend/internal/models"
)

type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "PENDING"
	PayoutStatusBroadcast PayoutStatus = "BROADCAST"
	PayoutStatusSettled   PayoutStatus = "SETTLED"
	PayoutStatusFailed    PayoutStatus = "FAILED"
)

var ErrLessThanDustThreshold = errors.New("amount below dust threshold")

// PayoutClient is the boundary to the on-chain payout service. Submissions
// are keyed by the ledger journal id, so a retried submission never pays
// twice and status lookups need no payout id of their own.
type PayoutClient interface {
	SubmitPayout(ctx context.Context, journalID models.JournalID, address string, sats uint64) (string, error)
	PayoutStatus(ctx context.Context, journalID models.JournalID) (PayoutStatus, error)
	EstimateFee(ctx context.Context, address string, sats uint64) (uint64, error)
	DustThreshold() uint64
}

type HTTPPayoutClient struct {
	baseURL       string
	client        *http.Client
	dustThreshold uint64
}

func NewHTTPPayoutClient() *HTTPPayoutClient {
	viper.SetDefault("onchain.base_url", "http://localhost:9070")
	viper.SetDefault("onchain.timeout", 30*time.Second)
	viper.SetDefault("onchain.dust_threshold", 546)

	return &HTTPPayoutClient{
		baseURL:       viper.GetString("onchain.base_url"),
		client:        &http.Client{Timeout: viper.GetDuration("onchain.timeout")},
		dustThreshold: viper.GetUint64("onchain.dust_threshold"),
	}
}

func (c *HTTPPayoutClient) DustThreshold() uint64 { return c.dustThreshold }

func (c *HTTPPayoutClient) SubmitPayout(ctx context.Context, journalID models.JournalID, address string, sats uint64) (string, error) {
	if sats < c.dustThreshold {
		return "", fmt.Errorf("%w: %d < %d", ErrLessThanDustThreshold, sats, c.dustThreshold)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"externalId": string(journalID), // idempotency key
		"address":    address,
		"satoshis":   sats,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payouts", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("payout request failed: %w", err)
	}
	defer resp.Body.Close()

	// 409 means this journal id was already submitted; fetch the existing id.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return "", fmt.Errorf("payout service returned status %d", resp.StatusCode)
	}

	var body struct {
		PayoutID string `json:"payoutId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.PayoutID, nil
}

// PayoutStatus fetches a payout by the external id it was submitted under.
func (c *HTTPPayoutClient) PayoutStatus(ctx context.Context, journalID models.JournalID) (PayoutStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/payouts/"+string(journalID), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("payout status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("payout service returned status %d", resp.StatusCode)
	}

	var body struct {
		Status PayoutStatus `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Status, nil
}

func (c *HTTPPayoutClient) EstimateFee(ctx context.Context, address string, sats uint64) (uint64, error) {
	url := fmt.Sprintf("%s/v1/payouts/estimate-fee?address=%s&satoshis=%d", c.baseURL, address, sats)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fee estimate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("payout service returned status %d", resp.StatusCode)
	}

	var body struct {
		Satoshis uint64 `json:"satoshis"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.Satoshis, nil
}
