package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/casinohouse/accounting-engine/internal/model"
)

// HTTPClient talks JSON to a ledger gateway. Ledger refusals come back as
// 4xx with an error body; everything else that is not a 200 is mapped to a
// CallError so the classifier can decide.
type HTTPClient struct {
	baseURL string
	self    string
	http    *http.Client
}

// NewHTTPClient creates a gateway client. self is the service's own account,
// used as the source of Transfer calls.
func NewHTTPClient(baseURL, self string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		self:    self,
		http:    &http.Client{Timeout: timeout},
	}
}

type transferRequest struct {
	From      string       `json:"from"`
	To        string       `json:"to"`
	Amount    model.Amount `json:"amount"`
	Fee       model.Amount `json:"fee"`
	Memo      string       `json:"memo,omitempty"`
	CreatedAt int64        `json:"created_at_time,omitempty"`
}

type errorBody struct {
	Error *LedgerError `json:"error"`
}

func (c *HTTPClient) Transfer(ctx context.Context, args TransferArgs) (Receipt, error) {
	return c.post(ctx, "/v1/transfer", transferRequest{
		From:      c.self,
		To:        args.To,
		Amount:    args.Amount,
		Fee:       args.Fee,
		Memo:      args.Memo,
		CreatedAt: unixNanos(args.CreatedAt),
	})
}

func (c *HTTPClient) TransferFrom(ctx context.Context, args TransferFromArgs) (Receipt, error) {
	return c.post(ctx, "/v1/transfer_from", transferRequest{
		From:      args.From,
		To:        args.To,
		Amount:    args.Amount,
		Fee:       args.Fee,
		Memo:      args.Memo,
		CreatedAt: unixNanos(args.CreatedAt),
	})
}

func (c *HTTPClient) BalanceOf(ctx context.Context, account string) (model.Amount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/accounts/"+url.PathEscape(account)+"/balance", nil)
	if err != nil {
		return 0, fmt.Errorf("build balance request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp)
	}
	var body struct {
		Balance model.Amount `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, &CallError{Code: SysUnknown, Message: "undecodable balance reply: " + err.Error()}
	}
	return body.Balance, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload transferRequest) (Receipt, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return Receipt{}, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Receipt{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var r Receipt
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			// The ledger said 200; we just could not read which block.
			return Receipt{}, &CallError{Code: SysUnknown, Message: "undecodable receipt: " + err.Error()}
		}
		return r, nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		var body errorBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == nil {
			return Receipt{}, &CallError{Code: SysUnknown, Message: fmt.Sprintf("status %d without ledger error", resp.StatusCode)}
		}
		return Receipt{}, body.Error
	}
	return Receipt{}, statusError(resp)
}

// statusError maps non-ledger HTTP statuses to call rejection codes.
func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))

	switch resp.StatusCode {
	case http.StatusNotFound:
		return &CallError{Code: DestinationInvalid, Message: text}
	case http.StatusBadRequest, http.StatusForbidden, http.StatusUnauthorized:
		return &CallError{Code: CanisterReject, Message: text}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return &CallError{Code: SysTransient, Message: text}
	}
	return &CallError{Code: SysUnknown, Message: text}
}

// transportError keeps context errors recognisable and treats every other
// transport failure as unknown: the request may have been delivered.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("ledger request: %w", ctxErr)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return fmt.Errorf("ledger request: %w", context.DeadlineExceeded)
	}
	return &CallError{Code: SysUnknown, Message: err.Error()}
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
