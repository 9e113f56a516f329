package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/domainq/internal/domain"
)

// HTTPClient talks to a JSON registrar API. 5xx, 429 and transport errors are
// retryable; other 4xx replies are terminal and carry the upstream code.
type HTTPClient struct {
	base   *url.URL
	apiKey string
	hc     *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse registrar base url")
	}
	return &HTTPClient{base: u, apiKey: apiKey, hc: &http.Client{Timeout: timeout}}, nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, idemKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return Terminal(op, CodeInvalidRecord, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return Terminal(op, CodeInvalidRecord, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Retryable(op, CodeTimeout, err)
		}
		return Retryable(op, CodeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Retryable(op, CodeUnavailable, errors.Wrap(err, "decode reply"))
		}
		return nil
	}

	var ae apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ae)
	cause := errors.Errorf("status %d: %s", resp.StatusCode, ae.Message)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := Retryable(op, CodeUpstreamLimited, cause)
		e.Status = resp.StatusCode
		return e
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout:
		e := Retryable(op, CodeUnavailable, cause)
		e.Status = resp.StatusCode
		return e
	}
	code := ae.Code
	if code == "" {
		code = CodeRejected
		if resp.StatusCode == http.StatusNotFound {
			code = CodeNotFound
		}
	}
	e := Terminal(op, code, cause)
	e.Status = resp.StatusCode
	return e
}

func (c *HTTPClient) CheckAvailability(ctx context.Context, name string) (Availability, error) {
	var out Availability
	err := c.do(ctx, "check_availability", http.MethodGet, "/domains/"+url.PathEscape(name)+"/availability", "", nil, &out)
	return out, err
}

func (c *HTTPClient) Register(ctx context.Context, name string, termYears int, contact domain.Contact, idemKey string) (Order, error) {
	var out Order
	in := map[string]any{"name": name, "term_years": termYears, "contact": contact}
	err := c.do(ctx, "register", http.MethodPost, "/domains", idemKey, in, &out)
	return out, err
}

func (c *HTTPClient) Renew(ctx context.Context, name string, termYears int, cycle string) (Order, error) {
	var out Order
	in := map[string]any{"term_years": termYears}
	err := c.do(ctx, "renew", http.MethodPost, "/domains/"+url.PathEscape(name)+"/renew", name+":"+cycle, in, &out)
	return out, err
}

func (c *HTTPClient) UpdateDNS(ctx context.Context, name string, changes []domain.DNSChange) error {
	in := map[string]any{"changes": changes}
	return c.do(ctx, "update_dns", http.MethodPatch, "/domains/"+url.PathEscape(name)+"/records", "", in, nil)
}

func (c *HTTPClient) InitiateTransfer(ctx context.Context, name, authCode, idemKey string) (Transfer, error) {
	var out Transfer
	in := map[string]any{"name": name, "auth_code": authCode}
	err := c.do(ctx, "initiate_transfer", http.MethodPost, "/transfers", idemKey, in, &out)
	return out, err
}

func (c *HTTPClient) TransferStatus(ctx context.Context, _ string, transferID string) (Transfer, error) {
	var out Transfer
	err := c.do(ctx, "transfer_status", http.MethodGet, "/transfers/"+url.PathEscape(transferID), "", nil, &out)
	return out, err
}

func (c *HTTPClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, "cancel_order", http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/cancel", "cancel:"+orderID, nil, nil)
}
