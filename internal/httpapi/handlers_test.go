package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ShashwatGohel/MediStock-sub001/internal/cache"
	"github.com/ShashwatGohel/MediStock-sub001/internal/domain"
	"github.com/ShashwatGohel/MediStock-sub001/internal/service"
	"github.com/ShashwatGohel/MediStock-sub001/internal/store/memory"
)

// newTestAPI builds a full API with the in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopStatsCache{}, 30*time.Second, 30)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func login(t *testing.T, handler http.Handler, username string, password string) domain.LoginResponse {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp
}

func csrfToken(t *testing.T, handler http.Handler) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token fetch failed: %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf response: %v", err)
	}
	return body["csrf_token"]
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "mainstore",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_RateLimit(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "mainstore",
		"password": "badpass",
	})

	var lastCode int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		lastCode = rec.Code
	}

	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after 6 attempts, got %d", lastCode)
	}
}

func TestHandleMedicines_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/medicines", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMutatingRequestWithoutCSRFIsRejected(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	storeLogin := login(t, handler, "mainstore", "store123")
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/medicines", storeLogin.AccessToken, "", domain.MedicineCreateRequest{
		Name:       "Aspirin 100mg",
		PriceCents: 1500,
	})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF token, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	csrf := csrfToken(t, handler)

	storeLogin := login(t, handler, "mainstore", "store123")
	customerLogin := login(t, handler, "customer", "customer123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/orders", customerLogin.AccessToken, csrf, domain.OrderCreateRequest{
		StoreID: "store-main",
		Items: []domain.OrderItemRequest{
			{MedicineID: "med-paracetamol", Qty: 4},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order failed: %d %s", rec.Code, rec.Body.String())
	}

	var created struct {
		Order domain.Order `json:"order"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode created order: %v", err)
	}
	if created.Order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending order, got %s", created.Order.Status)
	}

	statusPath := fmt.Sprintf("/api/v1/orders/%s/status", created.Order.ID)

	// Customers cannot approve.
	rec = doJSON(t, handler, http.MethodPatch, statusPath, customerLogin.AccessToken, csrf, domain.OrderTransitionRequest{Status: domain.OrderStatusApproved})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for customer approve, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPatch, statusPath, storeLogin.AccessToken, csrf, domain.OrderTransitionRequest{Status: domain.OrderStatusApproved})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve failed: %d %s", rec.Code, rec.Body.String())
	}

	// A repeated approval lost the optimistic status check.
	rec = doJSON(t, handler, http.MethodPatch, statusPath, storeLogin.AccessToken, csrf, domain.OrderTransitionRequest{Status: domain.OrderStatusApproved})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for double approve, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPatch, statusPath, storeLogin.AccessToken, csrf, domain.OrderTransitionRequest{Status: domain.OrderStatusConfirmed})
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm failed: %d %s", rec.Code, rec.Body.String())
	}

	var confirmed struct {
		Order domain.Order `json:"order"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&confirmed); err != nil {
		t.Fatalf("decode confirmed order: %v", err)
	}
	if confirmed.Order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Order.Status)
	}
}

func TestCreateBillInsufficientStockMapsToConflict(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	csrf := csrfToken(t, handler)

	storeLogin := login(t, handler, "mainstore", "store123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/bills", storeLogin.AccessToken, csrf, domain.BillCreateRequest{
		Items: []domain.BillItemRequest{
			{MedicineID: "med-paracetamol", Qty: 100000},
		},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient stock, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("expected an error message naming the shortage, got %v", body)
	}
}

func TestStoreSettingsRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	csrf := csrfToken(t, handler)

	storeLogin := login(t, handler, "mainstore", "store123")

	rec := doJSON(t, handler, http.MethodPut, "/api/v1/stores/settings", storeLogin.AccessToken, csrf, domain.StoreSettingsUpdateRequest{
		PreservationWindowMinutes: 45,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update settings failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/stores/settings", storeLogin.AccessToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get settings failed: %d %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Settings domain.StoreSettings `json:"settings"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if body.Settings.PreservationWindowMinutes != 45 {
		t.Fatalf("expected 45 minute window, got %d", body.Settings.PreservationWindowMinutes)
	}

	// Out-of-range windows are rejected.
	rec = doJSON(t, handler, http.MethodPut, "/api/v1/stores/settings", storeLogin.AccessToken, csrf, domain.StoreSettingsUpdateRequest{
		PreservationWindowMinutes: 120,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for 120 minute window, got %d", rec.Code)
	}
}
