package chainoracle

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MarkoPoloResearchLab/slotrental/pkg/rental"
)

const defaultSolscanBaseURL = "https://api.solscan.io"

// SolanaVerifier checks SOL transactions via the Solscan API.
type SolanaVerifier struct {
	client  *http.Client
	address rental.PaymentAddress
	apiKey  string
	baseURL string
}

// NewSolanaVerifier wires a SOL verifier against Solscan.
func NewSolanaVerifier(client *http.Client, address rental.PaymentAddress, apiKey string) *SolanaVerifier {
	return &SolanaVerifier{client: client, address: address, apiKey: apiKey, baseURL: defaultSolscanBaseURL}
}

// WithBaseURL points the verifier at an alternate explorer endpoint.
func (verifier *SolanaVerifier) WithBaseURL(baseURL string) *SolanaVerifier {
	verifier.baseURL = baseURL
	return verifier
}

type solscanTxResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Status            string `json:"status"`
		Finalized         bool   `json:"finalized"`
		PostTokenBalances []struct {
			Owner         string `json:"owner"`
			UITokenAmount struct {
				UIAmount float64 `json:"uiAmount"`
			} `json:"uiTokenAmount"`
		} `json:"postTokenBalances"`
	} `json:"data"`
}

// Verify confirms the finalized transaction credits the configured address
// with the expected amount.
func (verifier *SolanaVerifier) Verify(ctx context.Context, transactionID string, expectedAmount float64) error {
	headers := map[string]string{"token": verifier.apiKey}
	var tx solscanTxResponse
	txURL := fmt.Sprintf("%s/transaction?tx=%s", verifier.baseURL, transactionID)
	if err := getJSON(ctx, verifier.client, txURL, headers, &tx); err != nil {
		return err
	}
	if !tx.Success {
		return rejectedf("transaction not found")
	}
	if tx.Data.Status != "Success" {
		return rejectedf("transaction status %s", tx.Data.Status)
	}
	if !tx.Data.Finalized {
		return transientf("transaction not finalized yet")
	}
	for _, balance := range tx.Data.PostTokenBalances {
		if balance.Owner != verifier.address.Address {
			continue
		}
		if amountMatches(balance.UITokenAmount.UIAmount, expectedAmount) {
			return nil
		}
	}
	return rejectedf("no balance credit to %s matches the expected amount", verifier.address.Address)
}
