package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// RPCClient talks JSON-RPC to a ledger node. One request per call; finality
// polling is the caller's concern (AwaitValidated).
type RPCClient struct {
	url     string
	account string // pool account submitting outbound payments
	http    *http.Client
}

// NewRPCClient creates a client against the given JSON-RPC endpoint.
func NewRPCClient(url, account string) *RPCClient {
	return &RPCClient{
		url:     url,
		account: account,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type rpcRequest struct {
	Method string           `json:"method"`
	Params []map[string]any `json:"params"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
}

type rpcError struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
	Status       string `json:"status"`
}

func (c *RPCClient) call(ctx context.Context, method string, params map[string]any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []map[string]any{params}})
	if err != nil {
		return fmt.Errorf("ledger: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger: %s returned HTTP %d", method, resp.StatusCode)
	}

	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("ledger: decode %s response: %w", method, err)
	}

	var rerr rpcError
	if err := json.Unmarshal(env.Result, &rerr); err == nil && rerr.Status == "error" {
		if rerr.Error == "txnNotFound" {
			return ErrTxNotFound
		}
		if rerr.Error == "entryNotFound" {
			return ErrObjectNotFound
		}
		return fmt.Errorf("ledger: %s: %s (%s)", method, rerr.Error, rerr.ErrorMessage)
	}
	return json.Unmarshal(env.Result, out)
}

// wireAmount is either a native drops string or an issued-currency object.
type wireAmount struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer"`
	Value    string `json:"value"`
}

func encodeAmount(currency, issuer string, amount decimal.Decimal) any {
	if issuer == "" {
		// Native amounts travel as integer drops (6 decimal places).
		return amount.Shift(6).Truncate(0).String()
	}
	return wireAmount{Currency: currency, Issuer: issuer, Value: amount.String()}
}

func decodeAmount(raw json.RawMessage) (currency, issuer string, amount decimal.Decimal, err error) {
	var drops string
	if jerr := json.Unmarshal(raw, &drops); jerr == nil {
		d, derr := decimal.NewFromString(drops)
		if derr != nil {
			return "", "", decimal.Zero, fmt.Errorf("ledger: bad drops amount %q", drops)
		}
		return "XLM", "", d.Shift(-6), nil
	}
	var w wireAmount
	if jerr := json.Unmarshal(raw, &w); jerr != nil {
		return "", "", decimal.Zero, fmt.Errorf("ledger: undecodable amount: %w", jerr)
	}
	d, derr := decimal.NewFromString(w.Value)
	if derr != nil {
		return "", "", decimal.Zero, fmt.Errorf("ledger: bad amount value %q", w.Value)
	}
	return w.Currency, w.Issuer, d, nil
}

// SubmitTransaction submits an outbound payment from the pool account.
func (c *RPCClient) SubmitTransaction(ctx context.Context, p Payment) (SubmitResult, error) {
	var res struct {
		EngineResult string `json:"engine_result"`
		TxJSON       struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	params := map[string]any{
		"tx_json": map[string]any{
			"TransactionType": "Payment",
			"Account":         c.account,
			"Destination":     p.Destination,
			"Amount":          encodeAmount(p.Currency, p.Issuer, p.Amount),
		},
	}
	if p.Memo != "" {
		params["tx_json"].(map[string]any)["Memos"] = []map[string]any{
			{"Memo": map[string]any{"MemoData": p.Memo}},
		}
	}
	if err := c.call(ctx, "submit", params, &res); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Hash: res.TxJSON.Hash, ResultCode: res.EngineResult}, nil
}

// GetTransaction fetches a transaction's validated state by hash.
func (c *RPCClient) GetTransaction(ctx context.Context, hash string) (TxInfo, error) {
	var res struct {
		Hash      string `json:"hash"`
		Validated bool   `json:"validated"`
		Meta      struct {
			TransactionResult string          `json:"TransactionResult"`
			DeliveredAmount   json.RawMessage `json:"delivered_amount"`
		} `json:"meta"`
		Account     string          `json:"Account"`
		Destination string          `json:"Destination"`
		Amount      json.RawMessage `json:"Amount"`
	}
	if err := c.call(ctx, "tx", map[string]any{"transaction": hash, "binary": false}, &res); err != nil {
		return TxInfo{}, err
	}

	info := TxInfo{
		Hash:        res.Hash,
		Validated:   res.Validated,
		ResultCode:  res.Meta.TransactionResult,
		Sender:      res.Account,
		Destination: res.Destination,
	}
	// delivered_amount is authoritative for partial payments; fall back to
	// the instructed Amount when meta is absent (unvalidated tx).
	raw := res.Meta.DeliveredAmount
	if len(raw) == 0 {
		raw = res.Amount
	}
	if len(raw) > 0 {
		currency, issuer, amount, err := decodeAmount(raw)
		if err != nil {
			return TxInfo{}, err
		}
		info.Currency = currency
		info.Issuer = issuer
		info.Amount = amount
	}
	return info, nil
}

// GetLedgerObject fetches a ledger entry (escrow, loan) by its index.
func (c *RPCClient) GetLedgerObject(ctx context.Context, id string) (map[string]any, error) {
	var res struct {
		Node map[string]any `json:"node"`
	}
	if err := c.call(ctx, "ledger_entry", map[string]any{"index": id, "ledger_index": "validated"}, &res); err != nil {
		return nil, err
	}
	if res.Node == nil {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	return res.Node, nil
}
