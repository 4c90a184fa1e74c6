package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"launchpad.org/internal/auth"
	"launchpad.org/internal/launchpad"
	"launchpad.org/internal/ledger"
	"launchpad.org/internal/stream"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	ledger *ledger.InMemory
	clock  *testClock
	start  time.Time
	end    time.Time
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("LAUNCHPAD_AUTH_SECRET", "")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	led := ledger.NewInMemory()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &testClock{t: start}

	svc := launchpad.NewInMemory(led, launchpad.Config{
		EscrowAccount: "escrow",
		FeeAsset:      "LPX",
		FeeAmount:     10_000_000,
	}, launchpad.WithClock(clock.Now), launchpad.WithEvents(stream.New()))

	api := New(ReadyProbe{}, "test", svc, stream.New())
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	c := &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		ledger:  led,
		clock:   clock,
		start:   start,
		end:     start.Add(24 * time.Hour),
	}
	c.fund("owner", map[string]int64{"TKN": 10_000_000_000, "LPX": 1_000_000_000})
	c.fund("alice", map[string]int64{"USDT": 2_000_000_000})
	c.fund("escrow", nil)
	return c
}

func (c *apiClient) fund(account string, balances map[string]int64) {
	c.t.Helper()
	if _, err := c.ledger.CreateAccountWithID(c.t.Context(), account, ledger.Money{Asset: "USDT", Amount: 0}); err != nil {
		c.t.Fatalf("create account %s: %v", account, err)
	}
	for asset, amount := range balances {
		if _, err := c.ledger.CreateAccountWithID(c.t.Context(), account, ledger.Money{Asset: asset, Amount: amount}); err != nil {
			c.t.Fatalf("fund account %s: %v", account, err)
		}
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	resp, err := c.client.Get(u.String())
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) decode(resp *http.Response, dst any) {
	c.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		c.t.Fatalf("decode response: %v", err)
	}
}

func (c *apiClient) saleBody(mutate func(map[string]any)) map[string]any {
	body := map[string]any{
		"account":       "owner",
		"name":          "Example Token Launch",
		"base_asset":    "TKN",
		"payment_asset": "USDT",
		"price":         50_000_000,
		"min_buy":       100_000_000,
		"max_buy":       600_000_000,
		"softcap":       500_000_000,
		"hardcap":       1_000_000_000,
		"mode":          "open",
		"start_time":    c.start.Format(time.RFC3339),
		"end_time":      c.end.Format(time.RFC3339),
	}
	if mutate != nil {
		mutate(body)
	}
	return body
}

func (c *apiClient) createSale() launchpad.Sale {
	c.t.Helper()
	resp := c.post("/v1/sales", c.saleBody(nil), nil)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create sale status = %d", resp.StatusCode)
	}
	var sale launchpad.Sale
	c.decode(resp, &sale)
	return sale
}

func TestHealthz(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	c.decode(resp, &body)
	if body["status"] != "ok" || body["service"] != "launchpad-api" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	sale := c.createSale()

	if sale.ID == "" || sale.Owner != "owner" {
		t.Fatalf("unexpected sale: %+v", sale)
	}

	resp := c.post("/v1/sales/"+sale.ID+"/contributions", map[string]any{
		"account":       "alice",
		"base_asset":    "TKN",
		"payment_asset": "USDT",
		"amount":        600_000_000,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("contribute status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.get("/v1/sales/"+sale.ID+"/contributions/alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get contribution status = %d", resp.StatusCode)
	}
	var contributed contributedAmountResponse
	c.decode(resp, &contributed)
	if contributed.Amount != 600_000_000 {
		t.Fatalf("contributed = %d", contributed.Amount)
	}

	// Finalize before the window closes is rejected.
	resp = c.post("/v1/sales/"+sale.ID+"/finalize", map[string]any{"account": "owner"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("early finalize status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	c.clock.Set(c.end)

	resp = c.post("/v1/sales/"+sale.ID+"/finalize", map[string]any{"account": "owner"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finalize status = %d", resp.StatusCode)
	}
	var finalized launchpad.Sale
	c.decode(resp, &finalized)
	if !finalized.Finalized {
		t.Fatal("sale should report finalized")
	}

	resp = c.post("/v1/sales/"+sale.ID+"/claim", map[string]any{
		"account":       "alice",
		"base_asset":    "TKN",
		"payment_asset": "USDT",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d", resp.StatusCode)
	}
	var claim claimResponse
	c.decode(resp, &claim)
	if claim.Amount != 300_000_000 {
		t.Fatalf("claim amount = %d, want 300_000_000", claim.Amount)
	}

	resp = c.get("/v1/participations/alice", nil)
	var parts struct {
		Account string                    `json:"account"`
		Items   []launchpad.Participation `json:"items"`
	}
	c.decode(resp, &parts)
	if len(parts.Items) != 1 || parts.Items[0].SaleID != sale.ID {
		t.Fatalf("unexpected participations: %+v", parts)
	}
}

func TestContributionErrorMapping(t *testing.T) {
	c := newTestAPI(t)
	sale := c.createSale()

	// Unknown sale -> 404
	resp := c.post("/v1/sales/does-not-exist/contributions", map[string]any{
		"account": "alice", "base_asset": "TKN", "payment_asset": "USDT", "amount": 100_000_000,
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown sale status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Below minimum -> 409
	resp = c.post("/v1/sales/"+sale.ID+"/contributions", map[string]any{
		"account": "alice", "base_asset": "TKN", "payment_asset": "USDT", "amount": 1,
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("below minimum status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Asset mismatch -> 400
	resp = c.post("/v1/sales/"+sale.ID+"/contributions", map[string]any{
		"account": "alice", "base_asset": "NOPE", "payment_asset": "USDT", "amount": 100_000_000,
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("asset mismatch status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Non-owner finalize -> 403
	c.clock.Set(c.end)
	resp = c.post("/v1/sales/"+sale.ID+"/finalize", map[string]any{"account": "alice"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-owner finalize status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Lookup miss on contributions -> 404
	resp = c.get("/v1/sales/"+sale.ID+"/contributions/nobody", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("lookup miss status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAllowedContributionEndpoint(t *testing.T) {
	c := newTestAPI(t)
	resp := c.post("/v1/sales", c.saleBody(func(b map[string]any) {
		b["mode"] = "whitelisted"
		b["whitelist"] = []string{"alice"}
	}), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create sale status = %d", resp.StatusCode)
	}
	var sale launchpad.Sale
	c.decode(resp, &sale)

	resp = c.get("/v1/sales/"+sale.ID+"/allowed", url.Values{"buyer": {"alice"}})
	var allowed allowedAmountResponse
	c.decode(resp, &allowed)
	if allowed.Amount != 600_000_000 {
		t.Fatalf("allowed for member = %d", allowed.Amount)
	}

	resp = c.get("/v1/sales/"+sale.ID+"/allowed", url.Values{"buyer": {"bob"}})
	c.decode(resp, &allowed)
	if allowed.Amount != 0 {
		t.Fatalf("allowed for non-member = %d", allowed.Amount)
	}

	resp = c.get("/v1/sales/"+sale.ID+"/allowed", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing buyer param status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestListSalesEndpoint(t *testing.T) {
	c := newTestAPI(t)
	first := c.createSale()
	second := c.createSale()

	resp := c.get("/v1/sales", url.Values{"limit": {"1"}})
	var page listSalesResponse
	c.decode(resp, &page)
	if len(page.Items) != 1 || page.Items[0].ID != first.ID {
		t.Fatalf("unexpected first page: %+v", page.Items)
	}

	resp = c.get("/v1/sales", url.Values{"limit": {"1"}, "after": {first.ID}})
	c.decode(resp, &page)
	if len(page.Items) != 1 || page.Items[0].ID != second.ID {
		t.Fatalf("unexpected second page: %+v", page.Items)
	}

	resp = c.get("/v1/sales", url.Values{"limit": {"0"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateSaleRejectsUnknownFields(t *testing.T) {
	c := newTestAPI(t)
	resp := c.post("/v1/sales", c.saleBody(func(b map[string]any) {
		b["bogus"] = true
	}), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}
