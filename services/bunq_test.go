package services

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/LovationAdmin/bunq-sync/models"
)

func seededStore() *memSecretStore {
	privateKey, _ := testKeys()
	return newMemSecretStore(map[string]string{
		SecretBunqAPIKey:            "api-key",
		SecretBunqClientPrivateKey:  privateKey,
		SecretBunqInstallationToken: "inst-tok",
		SecretBunqServerPublicKey:   "server-pub",
		SecretBunqSessionToken:      "sess-tok",
		SecretBunqUserID:            "42",
	})
}

func newTestService(store *memSecretStore, transport http.RoundTripper) *BunqService {
	service := NewBunqService(store)
	httpClient := &http.Client{Transport: transport}
	service.HTTPClient = httpClient
	service.Auth.HTTPClient = httpClient
	return service
}

const (
	bankAccountEnvelope = `{"Response":[{"MonetaryAccountBank":{
		"id": 7,
		"description": "Main",
		"currency": "EUR",
		"status": "ACTIVE",
		"balance": {"value": "100.00", "currency": "EUR"},
		"alias": [{"type": "IBAN", "value": "NL91BUNQ0417164300"}]
	}}]}`

	paymentsEnvelope = `{"Response":[
		{"Payment":{"id":3,"created":"2024-06-02 10:00:00","amount":{"value":"-10.00","currency":"EUR"},"description":"Market","monetary_account_id":7,"counterparty_alias":{"display_name":"Market"}}},
		{"Payment":{"id":2,"created":"2024-06-01 09:00:00","amount":{"value":"-4.00","currency":"EUR"},"description":"Coffee","monetary_account_id":7,"counterparty_alias":{"display_name":"Cafe"}}}
	]}`

	eventsEnvelope = `{"Response":[
		{"Event":{"id":900,"created":"2024-06-02 10:00:05","category":"groceries","object":{"Payment":{"id":3,"created":"2024-06-02 10:00:00","amount":{"value":"-10.00","currency":"EUR"},"monetary_account_id":7}}}}
	]}`
)

// syncTransport answers account, payment and event listings for user 42.
type syncTransport struct {
	eventStatus int // 0 means 200
	requests    []string
}

func (st *syncTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	st.requests = append(st.requests, req.URL.Path+"?"+req.URL.RawQuery)
	path := req.URL.Path
	switch {
	case strings.Contains(path, "/monetary-account-bank"):
		return httpResponse(200, bankAccountEnvelope, nil), nil
	case strings.Contains(path, "/monetary-account-savings"),
		strings.Contains(path, "/monetary-account-joint"),
		strings.Contains(path, "/monetary-account-external"):
		return httpResponse(200, `{"Response":[]}`, nil), nil
	case strings.Contains(path, "/payment"):
		return httpResponse(200, paymentsEnvelope, nil), nil
	case strings.Contains(path, "/event"):
		if st.eventStatus != 0 {
			return httpResponse(st.eventStatus, "", nil), nil
		}
		return httpResponse(200, eventsEnvelope, nil), nil
	}
	return httpResponse(404, "", nil), nil
}

func TestListTransactionsEndToEnd(t *testing.T) {
	transport := &syncTransport{}
	service := newTestService(seededStore(), transport)

	result, err := service.ListTransactions(context.Background(), ListTransactionsOptions{
		AccountID:      "7",
		ImportCategory: true,
	})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}

	all := result.Transactions.All
	if len(all) != 2 {
		t.Fatalf("Expected 2 transactions, got %d", len(all))
	}
	// Newest first.
	if all[0].TransactionID != "3" || all[1].TransactionID != "2" {
		t.Fatalf("Transactions not sorted newest first: %s, %s", all[0].TransactionID, all[1].TransactionID)
	}

	// The groceries event maps onto payment 3 and only payment 3.
	if all[0].Category == nil || *all[0].Category != "Groceries" {
		t.Fatalf("Expected Groceries on payment 3, got %v", all[0].Category)
	}
	if all[1].Category != nil {
		t.Fatalf("Payment 2 must stay uncategorized, got %v", all[1].Category)
	}

	if result.Cursor.NewerID != "3" {
		t.Fatalf("Expected cursor at newest payment id, got %q", result.Cursor.NewerID)
	}
	if result.StartingBalance == nil || *result.StartingBalance != 10000 {
		t.Fatalf("Expected starting balance 10000 minor units, got %v", result.StartingBalance)
	}
	if len(result.Transactions.Pending) != 0 {
		t.Fatal("Settled imports have no pending bucket")
	}
}

func TestListTransactionsEventFailureIsNonFatal(t *testing.T) {
	transport := &syncTransport{eventStatus: 500}
	service := newTestService(seededStore(), transport)

	result, err := service.ListTransactions(context.Background(), ListTransactionsOptions{
		AccountID:      "7",
		ImportCategory: true,
	})
	if err != nil {
		t.Fatalf("Import must survive an event fetch failure: %v", err)
	}
	if len(result.Transactions.All) != 2 {
		t.Fatalf("Expected 2 transactions, got %d", len(result.Transactions.All))
	}
	for _, tx := range result.Transactions.All {
		if tx.Category != nil {
			t.Fatalf("Categories must be unset when events fail, got %v on %s", tx.Category, tx.TransactionID)
		}
	}
}

func TestListTransactionsSkipsEventsWhenDisabled(t *testing.T) {
	transport := &syncTransport{}
	service := newTestService(seededStore(), transport)

	_, err := service.ListTransactions(context.Background(), ListTransactionsOptions{
		AccountID:      "7",
		ImportCategory: false,
	})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	for _, request := range transport.requests {
		if strings.Contains(request, "/event") {
			t.Fatalf("Events must not be fetched when category import is off: %v", transport.requests)
		}
	}
}

func TestListTransactionsIncrementalUsesNewerCursor(t *testing.T) {
	transport := &syncTransport{}
	service := newTestService(seededStore(), transport)

	result, err := service.ListTransactions(context.Background(), ListTransactionsOptions{
		AccountID:      "7",
		ImportCategory: false,
		Cursor:         &models.SyncCursor{NewerID: "2"},
	})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}

	paymentRequest := ""
	for _, request := range transport.requests {
		if strings.Contains(request, "/payment") {
			paymentRequest = request
			break
		}
	}
	if !strings.Contains(paymentRequest, "newer_id=2") {
		t.Fatalf("Expected incremental fetch from newer_id=2, got %q", paymentRequest)
	}
	if result.Cursor.NewerID != "3" {
		t.Fatalf("Cursor must advance to the newest payment, got %q", result.Cursor.NewerID)
	}
}

func TestListTransactionsStartDateCutoff(t *testing.T) {
	// The page contains a payment older than the requested window plus an
	// older-page cursor; the cutoff must stop the walk without following it.
	oldPaymentsEnvelope := `{"Response":[
		{"Payment":{"id":3,"created":"2024-06-02 10:00:00","amount":{"value":"-10.00","currency":"EUR"},"monetary_account_id":7}},
		{"Payment":{"id":1,"created":"2024-05-20 09:00:00","amount":{"value":"-4.00","currency":"EUR"},"monetary_account_id":7}},
		{"Pagination":{"older_id":1,"older_url":"/v1/user/42/monetary-account/7/payment?older_id=1"}}
	]}`

	paymentPages := 0
	transport := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(req.URL.Path, "/monetary-account-bank"):
			return httpResponse(200, bankAccountEnvelope, nil), nil
		case strings.Contains(req.URL.Path, "/monetary-account-"):
			return httpResponse(200, `{"Response":[]}`, nil), nil
		case strings.Contains(req.URL.Path, "/payment"):
			paymentPages++
			return httpResponse(200, oldPaymentsEnvelope, nil), nil
		}
		return httpResponse(404, "", nil), nil
	})
	service := newTestService(seededStore(), transport)

	result, err := service.ListTransactions(context.Background(), ListTransactionsOptions{
		AccountID:      "7",
		StartDate:      "2024-06-01",
		ImportCategory: false,
	})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(result.Transactions.All) != 1 || result.Transactions.All[0].TransactionID != "3" {
		t.Fatalf("Expected only in-window payment 3, got %+v", result.Transactions.All)
	}
	if paymentPages != 1 {
		t.Fatalf("Walk must stop at the cutoff, fetched %d pages", paymentPages)
	}
}

func TestListAccountsFiltersInactive(t *testing.T) {
	envelope := `{"Response":[
		{"MonetaryAccountBank":{"id":7,"description":"Main","currency":"EUR","status":"ACTIVE","alias":[{"type":"IBAN","value":"NL91BUNQ0417164300"}]}},
		{"MonetaryAccountBank":{"id":8,"description":"Closed","currency":"EUR","status":"CANCELLED"}}
	]}`
	transport := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Path, "/monetary-account-bank") {
			return httpResponse(200, envelope, nil), nil
		}
		return httpResponse(200, `{"Response":[]}`, nil), nil
	})
	service := newTestService(seededStore(), transport)

	result, err := service.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("ListAccounts failed: %v", err)
	}
	if len(result.Accounts) != 1 || result.Accounts[0].ID != "7" {
		t.Fatalf("Expected only the ACTIVE account, got %+v", result.Accounts)
	}
	if result.Accounts[0].IBAN != "NL91BUNQ0417164300" {
		t.Fatalf("Unexpected account: %+v", result.Accounts[0])
	}
}

func TestGetStatusUnconfigured(t *testing.T) {
	service := newTestService(newMemSecretStore(nil), &syncTransport{})

	status, err := service.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.Configured || status.AuthContextReady {
		t.Fatalf("Expected unconfigured status, got %+v", status)
	}
	if status.Environment != "production" {
		t.Fatalf("Default environment must be production, got %q", status.Environment)
	}
}

func TestGetStatusReady(t *testing.T) {
	service := newTestService(seededStore(), &syncTransport{})

	status, err := service.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !status.Configured || !status.AuthContextReady {
		t.Fatalf("Expected ready status, got %+v", status)
	}
}

func TestGetStatusReportsAuthFailure(t *testing.T) {
	privateKey, _ := testKeys()
	store := newMemSecretStore(map[string]string{
		SecretBunqAPIKey:           "api-key",
		SecretBunqClientPrivateKey: privateKey,
	})
	transport := roundTripperFunc(func(_ *http.Request) (*http.Response, error) {
		return httpResponse(401, "", nil), nil
	})
	service := newTestService(store, transport)

	status, err := service.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("Known failures must be reported in-band: %v", err)
	}
	if !status.Configured || status.AuthContextReady {
		t.Fatalf("Unexpected status: %+v", status)
	}
	if status.ErrorType != "AUTH_ERROR" || status.ErrorCode != "BUNQ_AUTH_REJECTED" {
		t.Fatalf("Unexpected error payload: %+v", status)
	}
}
