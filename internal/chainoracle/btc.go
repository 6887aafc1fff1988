package chainoracle

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MarkoPoloResearchLab/slotrental/pkg/rental"
)

const defaultBlockstreamBaseURL = "https://blockstream.info/api"

// BitcoinVerifier checks BTC transactions via the Blockstream API.
type BitcoinVerifier struct {
	client  *http.Client
	address rental.PaymentAddress
	baseURL string
}

// NewBitcoinVerifier wires a BTC verifier against the public Blockstream API.
func NewBitcoinVerifier(client *http.Client, address rental.PaymentAddress) *BitcoinVerifier {
	return &BitcoinVerifier{client: client, address: address, baseURL: defaultBlockstreamBaseURL}
}

// WithBaseURL points the verifier at an alternate explorer endpoint.
func (verifier *BitcoinVerifier) WithBaseURL(baseURL string) *BitcoinVerifier {
	verifier.baseURL = baseURL
	return verifier
}

type blockstreamTx struct {
	Status struct {
		BlockHeight *int64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"`
	} `json:"vout"`
}

// Verify confirms the transaction pays the configured address the expected
// amount with enough confirmations.
func (verifier *BitcoinVerifier) Verify(ctx context.Context, transactionID string, expectedAmount float64) error {
	var tx blockstreamTx
	if err := getJSON(ctx, verifier.client, fmt.Sprintf("%s/tx/%s", verifier.baseURL, transactionID), nil, &tx); err != nil {
		return err
	}
	if tx.Status.BlockHeight == nil {
		return transientf("transaction not confirmed yet")
	}
	var tipHeight int64
	if err := getJSON(ctx, verifier.client, fmt.Sprintf("%s/blocks/tip/height", verifier.baseURL), nil, &tipHeight); err != nil {
		return err
	}
	confirmations := tipHeight - *tx.Status.BlockHeight + 1
	if confirmations < int64(verifier.address.MinConfirmations) {
		return transientf("confirmations %d below required %d", confirmations, verifier.address.MinConfirmations)
	}
	for _, output := range tx.Vout {
		if output.ScriptPubKeyAddress != verifier.address.Address {
			continue
		}
		paid := float64(output.Value) / 1e8
		if amountMatches(paid, expectedAmount) {
			return nil
		}
	}
	return rejectedf("no output pays %s the expected amount", verifier.address.Address)
}
