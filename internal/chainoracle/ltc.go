package chainoracle

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MarkoPoloResearchLab/slotrental/pkg/rental"
)

const defaultBlockchairBaseURL = "https://api.blockchair.com/litecoin"

// LitecoinVerifier checks LTC transactions via the Blockchair API.
type LitecoinVerifier struct {
	client  *http.Client
	address rental.PaymentAddress
	apiKey  string
	baseURL string
}

// NewLitecoinVerifier wires an LTC verifier against Blockchair.
func NewLitecoinVerifier(client *http.Client, address rental.PaymentAddress, apiKey string) *LitecoinVerifier {
	return &LitecoinVerifier{client: client, address: address, apiKey: apiKey, baseURL: defaultBlockchairBaseURL}
}

// WithBaseURL points the verifier at an alternate explorer endpoint.
func (verifier *LitecoinVerifier) WithBaseURL(baseURL string) *LitecoinVerifier {
	verifier.baseURL = baseURL
	return verifier
}

type blockchairTxDashboard struct {
	Data map[string]struct {
		Transaction struct {
			BlockID int64 `json:"block_id"`
		} `json:"transaction"`
		Outputs []struct {
			Recipient string `json:"recipient"`
			Value     int64  `json:"value"`
		} `json:"outputs"`
	} `json:"data"`
}

type blockchairStats struct {
	Data struct {
		Blocks int64 `json:"blocks"`
	} `json:"data"`
}

// Verify confirms the transaction pays the configured address the expected
// amount of litecoin with enough confirmations.
func (verifier *LitecoinVerifier) Verify(ctx context.Context, transactionID string, expectedAmount float64) error {
	var dashboard blockchairTxDashboard
	txURL := fmt.Sprintf("%s/dashboards/transaction/%s?key=%s", verifier.baseURL, transactionID, verifier.apiKey)
	if err := getJSON(ctx, verifier.client, txURL, nil, &dashboard); err != nil {
		return err
	}
	entry, ok := dashboard.Data[transactionID]
	if !ok {
		return rejectedf("transaction not found")
	}
	if entry.Transaction.BlockID <= 0 {
		return transientf("transaction not confirmed yet")
	}
	var stats blockchairStats
	statsURL := fmt.Sprintf("%s/stats?key=%s", verifier.baseURL, verifier.apiKey)
	if err := getJSON(ctx, verifier.client, statsURL, nil, &stats); err != nil {
		return err
	}
	confirmations := stats.Data.Blocks - entry.Transaction.BlockID + 1
	if confirmations < int64(verifier.address.MinConfirmations) {
		return transientf("confirmations %d below required %d", confirmations, verifier.address.MinConfirmations)
	}
	for _, output := range entry.Outputs {
		if output.Recipient != verifier.address.Address {
			continue
		}
		paid := float64(output.Value) / 1e8
		if amountMatches(paid, expectedAmount) {
			return nil
		}
	}
	return rejectedf("no output pays %s the expected amount", verifier.address.Address)
}
