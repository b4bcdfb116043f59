package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/errs"
)

// Config configures the HTTP adapter, decoupled from internal/config the
// same way internal/storepg.Config is, so this package compiles
// independently of how the process wires its configuration.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	SigningSecret  string
}

// HTTPAdapter is the thin HTTP implementation of Port against an abstract
// payment processor: a generic send-then-decode helper, an
// Idempotency-Key header, non-2xx mapped to a structured error. It exists
// to give Port a runnable implementation, not to model any real
// provider's wire format.
type HTTPAdapter struct {
	baseURL string
	secret  string
	client  *http.Client
}

func NewHTTPAdapter(cfg Config) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: cfg.BaseURL,
		secret:  cfg.SigningSecret,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type createRequest struct {
	TransactionID    string `json:"transactionId"`
	Type             string `json:"type"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	CustomerID       string `json:"customerId"`
	PaymentMethodRef string `json:"paymentMethodRef"`
}

type resultResponse struct {
	Success        bool           `json:"success"`
	ExternalRef    string         `json:"externalRef"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata"`
	RequiresAction bool           `json:"requiresAction"`
}

func (r resultResponse) toResult() *Result {
	return &Result{
		Success:        r.Success,
		ExternalRef:    r.ExternalRef,
		Status:         r.Status,
		Metadata:       r.Metadata,
		RequiresAction: r.RequiresAction,
	}
}

func (a *HTTPAdapter) CreatePayment(ctx context.Context, in CreateInput) (*Result, error) {
	req := createRequest{
		TransactionID:    in.TransactionID,
		Type:             string(in.Type),
		Amount:           in.Amount.String(),
		Currency:         in.Currency,
		CustomerID:       in.CustomerID,
		PaymentMethodRef: in.PaymentMethodRef,
	}
	var resp resultResponse
	if err := a.send(ctx, http.MethodPost, a.baseURL+"/v1/transactions", &req, &resp, in.IdempotencyKey); err != nil {
		return nil, err
	}
	return resp.toResult(), nil
}

func (a *HTTPAdapter) ConfirmPayment(ctx context.Context, externalRef string) (*Result, error) {
	var resp resultResponse
	url := fmt.Sprintf("%s/v1/transactions/%s/confirm", a.baseURL, externalRef)
	if err := a.send(ctx, http.MethodPost, url, nil, &resp, ""); err != nil {
		return nil, err
	}
	return resp.toResult(), nil
}

func (a *HTTPAdapter) GetTransactionStatus(ctx context.Context, externalRef string) (*Result, error) {
	var resp resultResponse
	url := fmt.Sprintf("%s/v1/transactions/%s", a.baseURL, externalRef)
	err := a.send(ctx, http.MethodGet, url, nil, &resp, "")
	if err != nil {
		if e, ok := err.(*errs.Error); ok && e.HTTPStatus() == 404 {
			return nil, nil
		}
		return nil, err
	}
	return resp.toResult(), nil
}

type paymentMethodResponse struct {
	Ref        string         `json:"ref"`
	CustomerID string         `json:"customerId"`
	Details    map[string]any `json:"details"`
}

func (a *HTTPAdapter) AddPaymentMethod(ctx context.Context, customerID string, details map[string]any) (*PaymentMethod, error) {
	body := map[string]any{"customerId": customerID, "details": details}
	var resp paymentMethodResponse
	if err := a.send(ctx, http.MethodPost, a.baseURL+"/v1/payment-methods", &body, &resp, ""); err != nil {
		return nil, err
	}
	return &PaymentMethod{Ref: resp.Ref, CustomerID: resp.CustomerID, Details: resp.Details}, nil
}

func (a *HTTPAdapter) GetPaymentMethods(ctx context.Context, customerID string) ([]*PaymentMethod, error) {
	var resp []paymentMethodResponse
	url := fmt.Sprintf("%s/v1/customers/%s/payment-methods", a.baseURL, customerID)
	if err := a.send(ctx, http.MethodGet, url, nil, &resp, ""); err != nil {
		return nil, err
	}
	methods := make([]*PaymentMethod, 0, len(resp))
	for _, pm := range resp {
		methods = append(methods, &PaymentMethod{Ref: pm.Ref, CustomerID: pm.CustomerID, Details: pm.Details})
	}
	return methods, nil
}

func (a *HTTPAdapter) RemovePaymentMethod(ctx context.Context, ref string) error {
	url := fmt.Sprintf("%s/v1/payment-methods/%s", a.baseURL, ref)
	return a.send(ctx, http.MethodDelete, url, nil, nil, "")
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature over payload,
// the common shape for webhook authenticity across payment providers.
func (a *HTTPAdapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// send marshals the request, attaches the Idempotency-Key, decodes on
// success and maps non-2xx responses to a structured error.
func (a *HTTPAdapter) send(ctx context.Context, method, url string, body, out any, idempotencyKey string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return errs.New(errs.KindProviderCommunication, "provider request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errs.New(errs.KindTransactionNotFound, "provider has no record of this reference", nil)
	}
	if resp.StatusCode >= 500 {
		return errs.New(errs.KindProviderCommunication, fmt.Sprintf("provider returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		raw, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(raw, &errResp)
		return errs.New(errs.KindProviderDecline, errResp.Message, nil)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ Port = (*HTTPAdapter)(nil)
