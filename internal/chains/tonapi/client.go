package tonapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"stellawallet.io/stella-wallet/internal/chains"
	"stellawallet.io/stella-wallet/pkg/errors"
	"stellawallet.io/stella-wallet/pkg/log"
)

const defaultTimeout = time.Second * 10

// Engine drafts and broadcasts TON transactions through the wallet backend
// API.
type Engine struct {
	apiBaseURL string
	apiKey     string

	httpClient *http.Client
}

var (
	internalEngine *Engine
	initOnce       sync.Once
)

func Init(apiBaseURL, apiKey string) {
	if apiBaseURL == "" {
		panic("ton api base url not present")
	}
	initOnce.Do(func() {
		internalEngine = &Engine{
			apiBaseURL: apiBaseURL,
			apiKey:     apiKey,
			httpClient: &http.Client{
				Timeout: defaultTimeout,
			},
		}
	})
}

func NewEngine() *Engine {
	if internalEngine == nil {
		panic("ton api init operation not invoked")
	}
	return internalEngine
}

// MaxMessagesPerTransaction is the wallet contract limit.
func (e *Engine) MaxMessagesPerTransaction(string) int {
	return 4
}

type draftRequest struct {
	AccountID string           `json:"accountId"`
	Network   string           `json:"network"`
	Messages  []chains.Message `json:"messages"`
}

// CheckTransactionDraft asks the backend to validate and emulate the
// proposed messages. A failed emulation degrades to a fallback fee estimate
// instead of failing the draft.
func (e *Engine) CheckTransactionDraft(ctx context.Context, accountID, network string, messages []chains.Message) (*chains.DraftResult, error) {
	body, err := e.post(ctx, fmt.Sprintf("/v2/accounts/%s/emulate", accountID), draftRequest{
		AccountID: accountID,
		Network:   network,
		Messages:  messages,
	})
	if err != nil {
		return nil, err
	}
	if code := gjson.GetBytes(body, "error.code").String(); code != "" {
		return &chains.DraftResult{Err: &chains.DraftError{
			Code:    chains.DraftErrorCode(code),
			Message: gjson.GetBytes(body, "error.message").String(),
		}}, nil
	}
	result := &chains.DraftResult{
		Emulation: &chains.Emulation{
			IsFallback: gjson.GetBytes(body, "emulation.is_fallback").Bool(),
			NetworkFee: gjson.GetBytes(body, "emulation.network_fee").String(),
			RealFee:    gjson.GetBytes(body, "emulation.real_fee").String(),
		},
	}
	for _, activity := range gjson.GetBytes(body, "emulation.activities").Array() {
		result.Emulation.Activities = append(result.Emulation.Activities, json.RawMessage(activity.Raw))
	}
	for _, transfer := range gjson.GetBytes(body, "transfers").Array() {
		result.Transfers = append(result.Transfers, chains.Transfer{
			Chain:              "ton",
			ToAddress:          transfer.Get("to_address").String(),
			DisplayedToAddress: transfer.Get("displayed_to_address").String(),
			NormalizedAddress:  transfer.Get("normalized_address").String(),
			Amount:             transfer.Get("amount").String(),
			Payload:            transfer.Get("payload").String(),
			NetworkFee:         transfer.Get("network_fee").String(),
			IsDangerous:        transfer.Get("is_dangerous").Bool(),
			IsScam:             transfer.Get("is_scam").Bool(),
		})
	}
	return result, nil
}

// SendSignedTransactions broadcasts payloads one by one, returning whatever
// was delivered before the first failure.
func (e *Engine) SendSignedTransactions(ctx context.Context, accountID string, signed []chains.SignedTransaction) ([]chains.SentTransaction, error) {
	sent := make([]chains.SentTransaction, 0, len(signed))
	for _, trx := range signed {
		body, err := e.post(ctx, "/v2/blockchain/message", map[string]string{
			"account_id": accountID,
			"boc":        trx.Payload,
		})
		if err != nil {
			log.Errorf("broadcast transaction:%v", err)
			return sent, err
		}
		sent = append(sent, chains.SentTransaction{
			Payload: trx.Payload,
			MsgHash: gjson.GetBytes(body, "msg_hash").String(),
		})
	}
	return sent, nil
}

func (e *Engine) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapAndReport(err, "encode ton api request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiBaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, errors.WrapAndReport(err, "build ton api request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request ton api")
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read ton api response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("ton api status %v: %s", resp.StatusCode, body)
	}
	return body, nil
}
