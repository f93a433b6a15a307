// Package xrplrpc implements pkg/xrpl.Client against a real rippled JSON-RPC
// endpoint. It is the concrete collaborator cmd/nexusd wires into the
// witness pipeline; pkg/xrpl itself only declares the port.
//
// rippled's JSON-RPC API has no maintained Go client in this module's
// dependency set, so this package speaks it directly over net/http.
package xrplrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/nexusctl/core/pkg/exchangestore"
	"github.com/nexusctl/core/pkg/xrpl"
)

// Client talks to a single rippled JSON-RPC endpoint.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	exchanges  *exchangestore.Store
	logger     *log.Logger
}

// New returns a Client pointed at rpcURL (e.g.
// "https://s.altnet.rippletest.net:51234"). exchanges is optional: when
// non-nil, every request/response exchange is recorded as evidence; when
// nil, the client still computes and returns exchange digests but records
// nothing.
func New(rpcURL string, timeout time.Duration, exchanges *exchangestore.Store) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: timeout},
		exchanges:  exchanges,
		logger:     log.New(log.Writer(), "[xrplrpc] ", log.LstdFlags),
	}
}

var _ xrpl.Client = (*Client)(nil)

type rpcRequest struct {
	Method string           `json:"method"`
	Params [1]rpcParamsBody `json:"params"`
}

type rpcParamsBody struct {
	TxBlob      string `json:"tx_blob,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Binary      bool   `json:"binary,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
}

// call posts a single JSON-RPC command and returns the raw result object
// alongside a digest of the full request/response exchange, for audit
// evidence.
func (c *Client) call(ctx context.Context, method string, params rpcParamsBody) (json.RawMessage, string, error) {
	reqBody := rpcRequest{Method: method, Params: [1]rpcParamsBody{params}}
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("xrplrpc: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, "", fmt.Errorf("xrplrpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("xrplrpc: transport: %w", err)
	}
	defer httpResp.Body.Close()

	respBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("xrplrpc: read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("xrplrpc: unexpected status %d: %s", httpResp.StatusCode, string(respBytes))
	}

	var resp rpcResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, "", fmt.Errorf("xrplrpc: decode response: %w", err)
	}

	requestDigest, digestErr := exchangestore.RequestDigest(c.rpcURL, reqBody)
	if digestErr != nil {
		return nil, "", fmt.Errorf("xrplrpc: compute request digest: %w", digestErr)
	}
	responseDigest := exchangestore.ResponseDigest(respBytes)

	record := exchangestore.Record{
		RequestDigest:  requestDigest,
		ResponseDigest: responseDigest,
		Timestamp:      time.Now().UTC(),
	}
	exchangeDigest, digestErr := record.ContentDigest()
	if digestErr != nil {
		return nil, "", fmt.Errorf("xrplrpc: compute content digest: %w", digestErr)
	}

	if c.exchanges != nil {
		if _, err := c.exchanges.Put(ctx, record, reqBytes, respBytes); err != nil {
			c.logger.Printf("record exchange %s: %v", exchangeDigest, err)
		}
	}

	return resp.Result, exchangeDigest, nil
}

type submitResultBody struct {
	Accepted     bool   `json:"accepted"`
	EngineResult string `json:"engine_result"`
	TxJSON       struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
	EngineResultMessage string `json:"engine_result_message"`
}

// Submit implements xrpl.Client.
func (c *Client) Submit(ctx context.Context, signedTxBlobHex string) (xrpl.SubmitResult, error) {
	result, exchangeDigest, err := c.call(ctx, "submit", rpcParamsBody{TxBlob: signedTxBlobHex})
	if err != nil {
		return xrpl.SubmitResult{}, err
	}

	var body submitResultBody
	if err := json.Unmarshal(result, &body); err != nil {
		return xrpl.SubmitResult{}, fmt.Errorf("xrplrpc: decode submit result: %w", err)
	}

	return xrpl.SubmitResult{
		Accepted:       body.Accepted,
		TxHash:         body.TxJSON.Hash,
		EngineResult:   body.EngineResult,
		Detail:         body.EngineResultMessage,
		ExchangeDigest: exchangeDigest,
	}, nil
}

type txResultBody struct {
	Validated   bool   `json:"validated"`
	LedgerIndex int64  `json:"ledger_index"`
	Meta        struct {
		TransactionResult string `json:"TransactionResult"`
	} `json:"meta"`
	Date  int64 `json:"date"`
	Error string `json:"error"`
}

// rippleEpochOffset is the number of seconds between the Unix epoch and the
// Ripple epoch (2000-01-01T00:00:00Z), used to convert a ledger close time.
const rippleEpochOffset = 946684800

// GetTx implements xrpl.Client.
func (c *Client) GetTx(ctx context.Context, txHash string) (xrpl.TxStatusResult, error) {
	result, exchangeDigest, err := c.call(ctx, "tx", rpcParamsBody{Transaction: txHash, Binary: false})
	if err != nil {
		return xrpl.TxStatusResult{}, err
	}

	var body txResultBody
	if err := json.Unmarshal(result, &body); err != nil {
		return xrpl.TxStatusResult{}, fmt.Errorf("xrplrpc: decode tx result: %w", err)
	}

	if body.Error == "txnNotFound" {
		return xrpl.TxStatusResult{
			Found:          false,
			ExchangeDigest: exchangeDigest,
		}, nil
	}

	var closeTime string
	if body.Date > 0 {
		closeTime = time.Unix(body.Date+rippleEpochOffset, 0).UTC().Format(time.RFC3339)
	}

	return xrpl.TxStatusResult{
		Found:           true,
		Validated:       body.Validated,
		LedgerIndex:     body.LedgerIndex,
		EngineResult:    body.Meta.TransactionResult,
		LedgerCloseTime: closeTime,
		ExchangeDigest:  exchangeDigest,
	}, nil
}
