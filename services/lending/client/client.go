package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"stxlend/crypto"
	"stxlend/native/lending"
	"stxlend/services/lending/engine"
	"stxlend/services/lending/server"
)

// Config controls how the Client reaches lendingd.
type Config struct {
	// BaseURL is the daemon root, e.g. https://lending.example:8090.
	BaseURL     string
	BearerToken string
	// PrincipalHeader, when set, sends Principal in that header instead of
	// a token. Only accepted by daemons running with auth disabled.
	PrincipalHeader string
	Principal       crypto.Address
	TLSRootCAFile   string
	AllowInsecure   bool
	Timeout         time.Duration
}

// Client calls the /v1/lending HTTP API.
type Client struct {
	base       *url.URL
	http       *http.Client
	bearer     string
	devHeader  string
	devSubject string
}

// APIError is a non-2xx response. When Code is a pool error code the error
// matches the corresponding lending sentinel under errors.Is.
type APIError struct {
	Status  int
	Code    uint32
	Name    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("lendingd: %d %s (%d): %s", e.Status, e.Name, e.Code, e.Message)
	}
	return fmt.Sprintf("lendingd: %d %s: %s", e.Status, e.Name, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Code == 0 {
		return nil
	}
	return &lending.Error{Code: lending.Code(e.Code), Message: e.Message}
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.AllowInsecure {
		tlsConfig.InsecureSkipVerify = true
	} else if path := strings.TrimSpace(cfg.TLSRootCAFile); path != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read root ca file: %w", err)
		}
		if ok := pool.AppendCertsFromPEM(pemBytes); !ok {
			return nil, fmt.Errorf("append root ca certificates: invalid pem data")
		}
		tlsConfig.RootCAs = pool
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: timeout, Transport: &http.Transport{TLSClientConfig: tlsConfig}},
		bearer: strings.TrimSpace(cfg.BearerToken),
	}
	if header := strings.TrimSpace(cfg.PrincipalHeader); header != "" && !cfg.Principal.IsZero() {
		c.devHeader, c.devSubject = header, cfg.Principal.String()
	}
	return c, nil
}

// WithHTTPClient swaps the transport, for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.http = hc
	}
	return c
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/lending" + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.devHeader != "" {
		req.Header.Set(c.devHeader, c.devSubject)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode, Name: http.StatusText(resp.StatusCode)}
	var body server.ErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		apiErr.Code, apiErr.Name, apiErr.Message = body.Code, body.Error, body.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) operation(ctx context.Context, path string, body any) (*server.OperationResponse, error) {
	var out server.OperationResponse
	if err := c.call(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Deposit(ctx context.Context, amount *big.Int) (*server.OperationResponse, error) {
	return c.operation(ctx, "/deposit", server.DepositRequest{Amount: amount.String()})
}

func (c *Client) Withdraw(ctx context.Context, shares *big.Int) (*server.OperationResponse, error) {
	return c.operation(ctx, "/withdraw", server.WithdrawRequest{Shares: shares.String()})
}

func (c *Client) Borrow(ctx context.Context, amount, collateral *big.Int) (*server.OperationResponse, error) {
	return c.operation(ctx, "/borrow", server.BorrowRequest{Amount: amount.String(), Collateral: collateral.String()})
}

func (c *Client) Repay(ctx context.Context, loanID uint64) (*server.OperationResponse, error) {
	return c.operation(ctx, "/repay", server.LoanRequest{LoanID: loanID})
}

func (c *Client) Liquidate(ctx context.Context, loanID uint64) (*server.OperationResponse, error) {
	return c.operation(ctx, "/liquidate", server.LoanRequest{LoanID: loanID})
}

func (c *Client) SetPaused(ctx context.Context, paused bool) (*server.OperationResponse, error) {
	return c.operation(ctx, "/admin/pause", server.PauseRequest{Paused: &paused})
}

func (c *Client) SetCaps(ctx context.Context, supplyCap, borrowCap *big.Int) (*server.OperationResponse, error) {
	return c.operation(ctx, "/admin/caps", server.CapsRequest{SupplyCap: supplyCap.String(), BorrowCap: borrowCap.String()})
}

// WithdrawRevenue sends protocol revenue to recipient; a nil amount
// withdraws everything.
func (c *Client) WithdrawRevenue(ctx context.Context, recipient crypto.Address, amount *big.Int) (*server.OperationResponse, error) {
	req := server.RevenueRequest{Recipient: recipient.String()}
	if amount != nil {
		req.Amount = amount.String()
	}
	return c.operation(ctx, "/admin/revenue", req)
}

func (c *Client) Credit(ctx context.Context, asset string, to crypto.Address, amount *big.Int) (*server.OperationResponse, error) {
	return c.operation(ctx, "/admin/credit", server.CreditRequest{Asset: asset, To: to.String(), Amount: amount.String()})
}

func (c *Client) Stats(ctx context.Context) (*server.Stats, error) {
	var out server.Stats
	if err := c.call(ctx, http.MethodGet, "/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Price(ctx context.Context) (*server.Price, error) {
	var out server.Price
	if err := c.call(ctx, http.MethodGet, "/price", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MaxBorrow(ctx context.Context, collateral *big.Int) (*big.Int, error) {
	var out map[string]string
	if err := c.call(ctx, http.MethodGet, "/max-borrow", url.Values{"collateral": {collateral.String()}}, nil, &out); err != nil {
		return nil, err
	}
	return engine.ParseAmount(out["maxBorrow"])
}

func (c *Client) Lender(ctx context.Context, addr crypto.Address) (*server.Lender, error) {
	var out server.Lender
	if err := c.call(ctx, http.MethodGet, "/lenders/"+addr.String(), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Lenders(ctx context.Context) ([]server.Lender, error) {
	var out struct {
		Lenders []server.Lender `json:"lenders"`
	}
	if err := c.call(ctx, http.MethodGet, "/lenders", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Lenders, nil
}

func (c *Client) Loan(ctx context.Context, id uint64) (*server.Loan, error) {
	var out server.Loan
	if err := c.call(ctx, http.MethodGet, "/loans/"+strconv.FormatUint(id, 10), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BorrowerLoans(ctx context.Context, addr crypto.Address) ([]server.Loan, error) {
	var out struct {
		Loans []server.Loan `json:"loans"`
	}
	if err := c.call(ctx, http.MethodGet, "/borrowers/"+addr.String()+"/loans", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Loans, nil
}

func (c *Client) Receipt(ctx context.Context, txID string) (*engine.Receipt, error) {
	var out engine.Receipt
	if err := c.call(ctx, http.MethodGet, "/receipts/"+url.PathEscape(txID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HistoryQuery mirrors the /history query parameters.
type HistoryQuery struct {
	Address    crypto.Address
	Type       string
	FromHeight uint64
	ToHeight   uint64
	Limit      int
}

func (q HistoryQuery) values() url.Values {
	v := url.Values{}
	if !q.Address.IsZero() {
		v.Set("address", q.Address.String())
	}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.FromHeight > 0 {
		v.Set("from", strconv.FormatUint(q.FromHeight, 10))
	}
	if q.ToHeight > 0 {
		v.Set("to", strconv.FormatUint(q.ToHeight, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func (c *Client) History(ctx context.Context, q HistoryQuery) ([]server.Activity, error) {
	var out struct {
		Activity []server.Activity `json:"activity"`
	}
	if err := c.call(ctx, http.MethodGet, "/history", q.values(), nil, &out); err != nil {
		return nil, err
	}
	return out.Activity, nil
}

// ExportHistory streams the parquet export into w. Requires the admin
// scope.
func (c *Client) ExportHistory(ctx context.Context, q HistoryQuery, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "/history/export", q.values(), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}
