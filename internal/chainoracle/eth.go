package chainoracle

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/slotrental/pkg/rental"
)

const defaultEtherscanBaseURL = "https://api.etherscan.io/api"

// EthereumVerifier checks ETH transactions via the Etherscan proxy API.
type EthereumVerifier struct {
	client  *http.Client
	address rental.PaymentAddress
	apiKey  string
	baseURL string
}

// NewEthereumVerifier wires an ETH verifier against Etherscan.
func NewEthereumVerifier(client *http.Client, address rental.PaymentAddress, apiKey string) *EthereumVerifier {
	return &EthereumVerifier{client: client, address: address, apiKey: apiKey, baseURL: defaultEtherscanBaseURL}
}

// WithBaseURL points the verifier at an alternate explorer endpoint.
func (verifier *EthereumVerifier) WithBaseURL(baseURL string) *EthereumVerifier {
	verifier.baseURL = baseURL
	return verifier
}

type etherscanTxResponse struct {
	Result *struct {
		To    string `json:"to"`
		Value string `json:"value"`
	} `json:"result"`
}

type etherscanReceiptResponse struct {
	Result *struct {
		BlockNumber string `json:"blockNumber"`
	} `json:"result"`
}

type etherscanBlockNumberResponse struct {
	Result string `json:"result"`
}

// Verify confirms the transaction pays the configured address the expected
// amount of ether with enough confirmations.
func (verifier *EthereumVerifier) Verify(ctx context.Context, transactionID string, expectedAmount float64) error {
	var tx etherscanTxResponse
	txURL := fmt.Sprintf("%s?module=proxy&action=eth_getTransactionByHash&txhash=%s&apikey=%s", verifier.baseURL, transactionID, verifier.apiKey)
	if err := getJSON(ctx, verifier.client, txURL, nil, &tx); err != nil {
		return err
	}
	if tx.Result == nil {
		return transientf("transaction not indexed yet")
	}
	var receipt etherscanReceiptResponse
	receiptURL := fmt.Sprintf("%s?module=proxy&action=eth_getTransactionReceipt&txhash=%s&apikey=%s", verifier.baseURL, transactionID, verifier.apiKey)
	if err := getJSON(ctx, verifier.client, receiptURL, nil, &receipt); err != nil {
		return err
	}
	if receipt.Result == nil {
		return transientf("transaction not mined yet")
	}
	var head etherscanBlockNumberResponse
	headURL := fmt.Sprintf("%s?module=proxy&action=eth_blockNumber&apikey=%s", verifier.baseURL, verifier.apiKey)
	if err := getJSON(ctx, verifier.client, headURL, nil, &head); err != nil {
		return err
	}
	currentBlock, err := hexToInt64(head.Result)
	if err != nil {
		return transientf("parse head block: %v", err)
	}
	txBlock, err := hexToInt64(receipt.Result.BlockNumber)
	if err != nil {
		return transientf("parse tx block: %v", err)
	}
	confirmations := currentBlock - txBlock
	if confirmations < int64(verifier.address.MinConfirmations) {
		return transientf("confirmations %d below required %d", confirmations, verifier.address.MinConfirmations)
	}
	if !strings.EqualFold(tx.Result.To, verifier.address.Address) {
		return rejectedf("recipient %s is not the payment address", tx.Result.To)
	}
	paid, ok := weiToEther(tx.Result.Value)
	if !ok {
		return rejectedf("unparseable value %q", tx.Result.Value)
	}
	if !amountMatches(paid, expectedAmount) {
		return rejectedf("paid %.8f, expected %.8f", paid, expectedAmount)
	}
	return nil
}

func weiToEther(hexValue string) (float64, bool) {
	wei, ok := new(big.Int).SetString(strings.TrimPrefix(hexValue, "0x"), 16)
	if !ok {
		return 0, false
	}
	ether := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18))
	value, _ := ether.Float64()
	return value, true
}
