package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/slabworks/slabmarket/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		Currency:           "USD",
		MarketplaceFeeBps:  500,
		ProcessingFeeBps:   290,
		ProcessingFixedFee: 30,
		AutoReleaseAfter:   72 * time.Hour,
		PaymentTimeout:     5 * time.Second,
		RateLimitRPM:       10000,
	}
}

// newTestServer creates a server with in-memory storage and the static processor
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/live", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/ready", "")
	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/users/:user_id/balance",
		"GET:/v1/users/:user_id/ledger",
		"POST:/v1/users/:user_id/deposit",
		"POST:/v1/users/:user_id/withdraw",
		"GET:/v1/ledger/references/:reference_id",
		"POST:/v1/checkout",
		"PUT:/v1/listings/:item_id",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestEscrowAndDisputeRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/v1/transactions/:id",
		"GET:/v1/users/:user_id/transactions",
		"POST:/v1/transactions/:id/release",
		"POST:/v1/transactions/:id/refund",
		"PUT:/v1/transactions/:id/shipping",
		"POST:/v1/disputes",
		"GET:/v1/disputes",
		"GET:/v1/disputes/:id",
		"POST:/v1/disputes/:id/assign",
		"POST:/v1/disputes/:id/resolve",
		"POST:/v1/disputes/:id/close",
		"POST:/v1/disputes/:id/escalate",
		"POST:/v1/users/:user_id/webhooks",
		"GET:/v1/users/:user_id/webhooks",
		"DELETE:/v1/users/:user_id/webhooks/:webhookId",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Wallet flow test
// ---------------------------------------------------------------------------

func TestDepositAndBalance(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/users/buyer-1/deposit", `{"amount":5000}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "GET", "/v1/users/buyer-1/balance", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["balance"] != float64(5000) {
		t.Errorf("Expected balance 5000, got %v", resp["balance"])
	}
	if resp["currency"] != "USD" {
		t.Errorf("Expected currency USD, got %v", resp["currency"])
	}
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/users/broke-user/deposit", `{"amount":100}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/v1/users/broke-user/withdraw", `{"amount":200}`)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Checkout flow test
// ---------------------------------------------------------------------------

func TestCheckoutFlow(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "PUT", "/v1/listings/card-bgs95-pikachu",
		`{"seller_id":"seller-1","price":20000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for listing, got %d: %s", w.Code, w.Body.String())
	}

	body := `{
		"buyer_id": "buyer-1",
		"items": [{"item_id":"card-bgs95-pikachu","seller_id":"seller-1","price":20000}],
		"payment_method": "card"
	}`
	w = doJSON(t, s, "POST", "/v1/checkout", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "completed" {
		t.Fatalf("Expected completed checkout, got %v: %s", resp["status"], w.Body.String())
	}

	ids, _ := resp["transaction_ids"].([]interface{})
	if len(ids) != 1 {
		t.Fatalf("Expected 1 transaction id, got %v", resp["transaction_ids"])
	}

	// Escrow transaction should now exist in held state
	txnID, _ := ids[0].(string)
	w = doJSON(t, s, "GET", "/v1/transactions/"+txnID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for transaction, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"held"`) {
		t.Errorf("Expected held transaction, got %s", w.Body.String())
	}
}

func TestCheckoutUnknownItem(t *testing.T) {
	s := newTestServer(t)

	body := `{
		"buyer_id": "buyer-2",
		"items": [{"item_id":"no-such-item","seller_id":"seller-1","price":100}]
	}`
	w := doJSON(t, s, "POST", "/v1/checkout", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "failed" {
		t.Errorf("Expected failed checkout for unknown item, got %v", resp["status"])
	}
}

// ---------------------------------------------------------------------------
// Misc
// ---------------------------------------------------------------------------

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header on response")
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
