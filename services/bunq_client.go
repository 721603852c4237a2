package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	bunqProductionURL = "https://api.bunq.com/v1"
	bunqSandboxURL    = "https://public-api.sandbox.bunq.com/v1"

	defaultGeolocation = "0 0 0 0 000"
	defaultUserAgent   = "Budget Sync Server"

	defaultMaxRetries = 3
	defaultRetryBase  = 500 * time.Millisecond
)

type BunqTokenType string

const (
	TokenNone         BunqTokenType = "none"
	TokenInstallation BunqTokenType = "installation"
	TokenSession      BunqTokenType = "session"
)

// BunqEnvelope is the outer shape of every bunq API response: a Response
// array of single-key objects, with pagination either top-level or embedded
// as one of the entries.
type BunqEnvelope struct {
	Response   []map[string]json.RawMessage `json:"Response"`
	Pagination *BunqPaginationBlock         `json:"Pagination"`
}

type BunqPaginationBlock struct {
	OlderID   json.Number `json:"older_id"`
	NewerID   json.Number `json:"newer_id"`
	FutureID  json.Number `json:"future_id"`
	OlderURL  string      `json:"older_url"`
	NewerURL  string      `json:"newer_url"`
	FutureURL string      `json:"future_url"`
}

// BunqClient performs one authenticated call against the bunq API and
// returns the parsed envelope, transparently handling rate-limit retries,
// response signature verification and a single session refresh on rejection.
type BunqClient struct {
	APIKey            string
	Environment       string // "sandbox" or "production"
	ClientPrivateKey  string
	InstallationToken string
	SessionToken      string
	ServerPublicKey   string

	HTTPClient *http.Client
	UserAgent  string

	MaxRetries int
	RetryBase  time.Duration

	// RefreshSession re-acquires a session token when a session-scoped call
	// is rejected with 401/403. Called at most once per request.
	RefreshSession func(ctx context.Context) (sessionToken string, err error)

	// Injectable time and randomness so retry behavior is deterministic in
	// tests.
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
	RandFloat func() float64
}

func NewBunqClient(environment string) *BunqClient {
	return &BunqClient{
		Environment: environment,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		UserAgent:   defaultUserAgent,
		MaxRetries:  defaultMaxRetries,
		RetryBase:   defaultRetryBase,
	}
}

func (c *BunqClient) BaseURL() string {
	if c.Environment == "sandbox" {
		return bunqSandboxURL
	}
	return bunqProductionURL
}

type RequestOptions struct {
	Method    string
	TokenType BunqTokenType
	JSONBody  interface{}

	// SkipSign / SkipVerify invert the signed-by-default behavior; only the
	// installation handshake runs unsigned and unverified.
	SkipSign   bool
	SkipVerify bool
}

func (c *BunqClient) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *BunqClient) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *BunqClient) randFloat() float64 {
	if c.RandFloat != nil {
		return c.RandFloat()
	}
	return float64(time.Now().UnixNano()%1000) / 1000.0
}

func (c *BunqClient) authToken(tokenType BunqTokenType) (string, error) {
	switch tokenType {
	case TokenNone:
		return "", nil
	case TokenInstallation:
		if c.InstallationToken == "" {
			return "", &BunqConfigurationError{Message: "bunq installation token is required for this request"}
		}
		return c.InstallationToken, nil
	default:
		if c.SessionToken == "" {
			return "", &BunqConfigurationError{Message: "bunq session token is required for this request"}
		}
		return c.SessionToken, nil
	}
}

// Request issues one call and returns the parsed envelope. All terminal
// states (success, retry exhaustion, rejection) funnel through this method so
// attempt/elapsed bookkeeping stays in one place.
func (c *BunqClient) Request(ctx context.Context, path string, opts RequestOptions) (*BunqEnvelope, error) {
	maxRetries := c.MaxRetries
	retryBase := c.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}

	started := c.now()
	attempts := 0
	sessionRefreshed := false

	for {
		attempts++

		body, status, headers, err := c.doOnce(ctx, path, opts)
		if err != nil {
			return nil, err
		}

		if status == http.StatusTooManyRequests {
			if attempts > maxRetries {
				return nil, &BunqRateLimitError{
					Message:  "bunq rate limit exceeded",
					Attempts: attempts,
					Elapsed:  c.now().Sub(started),
				}
			}
			delay := time.Duration(float64(retryBase)*math.Pow(2, float64(attempts-1)) +
				c.randFloat()*float64(retryBase)/2)
			log.Printf("[Bunq] ⏳ Rate limited on %s, retrying in %v (attempt %d/%d)", path, delay, attempts, maxRetries)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			if opts.TokenType == TokenSession && !sessionRefreshed && c.RefreshSession != nil {
				sessionRefreshed = true
				log.Printf("[Bunq] 🔑 Session rejected on %s, refreshing session once", path)
				token, refreshErr := c.RefreshSession(ctx)
				if refreshErr != nil {
					return nil, refreshErr
				}
				c.SessionToken = token
				continue
			}
			return nil, &BunqAuthError{Message: "bunq authentication failed", Path: path, Status: status}
		}

		if status < 200 || status > 299 {
			log.Printf("[Bunq] ❌ Request failed: %s %s -> %d", opts.Method, path, status)
			return nil, &BunqProtocolError{
				Message: "bunq request failed",
				Path:    path,
				Status:  status,
				Body:    truncateBody(string(body)),
				Headers: headers,
			}
		}

		if !opts.SkipVerify {
			serverSignature := headers["X-Bunq-Server-Signature"]
			if serverSignature != "" && c.ServerPublicKey != "" && len(body) > 0 {
				if !VerifyResponsePayloadSignature(c.ServerPublicKey, body, serverSignature) {
					return nil, &BunqSignatureError{Message: "invalid bunq response signature", Path: path, Status: status}
				}
			}
		}

		if len(body) == 0 {
			return &BunqEnvelope{}, nil
		}

		var envelope BunqEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, &BunqInvalidResponseError{Message: "bunq response JSON was invalid", Path: path, Status: status}
		}
		return &envelope, nil
	}
}

// doOnce performs a single HTTP round trip with auth and signature headers.
func (c *BunqClient) doOnce(ctx context.Context, path string, opts RequestOptions) ([]byte, int, map[string]string, error) {
	token, err := c.authToken(opts.TokenType)
	if err != nil {
		return nil, 0, nil, err
	}

	var bodyBytes []byte
	if opts.JSONBody != nil {
		bodyBytes, err = json.Marshal(opts.JSONBody)
		if err != nil {
			return nil, 0, nil, err
		}
	}

	var reader io.Reader
	if bodyBytes != nil {
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, c.BaseURL()+path, reader)
	if err != nil {
		return nil, 0, nil, err
	}

	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("X-Bunq-Client-Request-Id", uuid.New().String())
	req.Header.Set("X-Bunq-Geolocation", defaultGeolocation)
	if token != "" {
		req.Header.Set("X-Bunq-Client-Authentication", token)
	}
	if opts.JSONBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if !opts.SkipSign {
		signature, err := SignRequestPayload(c.ClientPrivateKey, bodyBytes)
		if err != nil {
			return nil, 0, nil, err
		}
		req.Header.Set("X-Bunq-Client-Signature", signature)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, nil, &BunqProtocolError{Message: "bunq request transport failed: " + err.Error(), Path: path}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, &BunqProtocolError{Message: "failed to read bunq response: " + err.Error(), Path: path, Status: resp.StatusCode}
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[http.CanonicalHeaderKey(key)] = resp.Header.Get(key)
	}

	return respBody, resp.StatusCode, headers, nil
}

// ========== ENDPOINT WRAPPERS ==========

type InstallationResult struct {
	InstallationToken string
	ServerPublicKey   string
}

// CreateInstallation exchanges our public key for an installation token and
// the server public key. This is the trust bootstrap: it runs unsigned and
// the response cannot be verified yet.
func (c *BunqClient) CreateInstallation(ctx context.Context, publicKeyPEM string) (*InstallationResult, error) {
	envelope, err := c.Request(ctx, "/installation", RequestOptions{
		Method:    "POST",
		TokenType: TokenNone,
		JSONBody: map[string]string{
			"client_public_key": publicKeyPEM,
		},
		SkipSign:   true,
		SkipVerify: true,
	})
	if err != nil {
		return nil, err
	}

	token, err := extractToken(envelope)
	if err != nil {
		return nil, err
	}
	serverKey, err := extractServerPublicKey(envelope)
	if err != nil {
		return nil, err
	}
	return &InstallationResult{InstallationToken: token, ServerPublicKey: serverKey}, nil
}

// RegisterDevice binds the API key to this server installation.
func (c *BunqClient) RegisterDevice(ctx context.Context, description string, permittedIPs []string) error {
	if len(permittedIPs) == 0 {
		permittedIPs = []string{"*"}
	}
	_, err := c.Request(ctx, "/device-server", RequestOptions{
		Method:    "POST",
		TokenType: TokenInstallation,
		JSONBody: map[string]interface{}{
			"secret":        c.APIKey,
			"description":   description,
			"permitted_ips": permittedIPs,
		},
	})
	return err
}

type SessionResult struct {
	SessionToken string
	UserID       string
}

func (c *BunqClient) CreateSession(ctx context.Context) (*SessionResult, error) {
	envelope, err := c.Request(ctx, "/session-server", RequestOptions{
		Method:    "POST",
		TokenType: TokenInstallation,
		JSONBody: map[string]string{
			"secret": c.APIKey,
		},
	})
	if err != nil {
		return nil, err
	}

	token, err := extractToken(envelope)
	if err != nil {
		return nil, err
	}
	userID, err := extractUserID(envelope)
	if err != nil {
		return nil, err
	}
	return &SessionResult{SessionToken: token, UserID: userID}, nil
}

var monetaryAccountPaths = []string{
	"monetary-account-bank",
	"monetary-account-savings",
	"monetary-account-joint",
	"monetary-account-external",
}

// ListMonetaryAccounts fetches all account variants sequentially (the API is
// rate limited, so no fan-out) and merges the Response arrays.
func (c *BunqClient) ListMonetaryAccounts(ctx context.Context, userID string) (*BunqEnvelope, error) {
	merged := &BunqEnvelope{}
	for _, accountPath := range monetaryAccountPaths {
		envelope, err := c.Request(ctx, fmt.Sprintf("/user/%s/%s", userID, accountPath), RequestOptions{
			Method:    "GET",
			TokenType: TokenSession,
		})
		if err != nil {
			return nil, err
		}
		merged.Response = append(merged.Response, envelope.Response...)
	}
	return merged, nil
}

type PageParams struct {
	Count             int
	NewerID           string
	OlderID           string
	MonetaryAccountID string
	DisplayUserEvent  *bool

	// RawURL, when set, is a server-provided pagination URL used verbatim
	// instead of re-deriving query parameters.
	RawURL string
}

func (p PageParams) query() string {
	q := url.Values{}
	if p.Count > 0 {
		q.Set("count", strconv.Itoa(p.Count))
	}
	if p.NewerID != "" {
		q.Set("newer_id", p.NewerID)
	}
	if p.OlderID != "" {
		q.Set("older_id", p.OlderID)
	}
	if p.MonetaryAccountID != "" {
		q.Set("monetary_account_id", p.MonetaryAccountID)
	}
	if p.DisplayUserEvent != nil {
		q.Set("display_user_event", strconv.FormatBool(*p.DisplayUserEvent))
	}
	if encoded := q.Encode(); encoded != "" {
		return "?" + encoded
	}
	return ""
}

func (c *BunqClient) ListPayments(ctx context.Context, userID, monetaryAccountID string, params PageParams) (*BunqEnvelope, error) {
	path := params.RawURL
	if path == "" {
		path = fmt.Sprintf("/user/%s/monetary-account/%s/payment%s", userID, monetaryAccountID, params.query())
	}
	return c.Request(ctx, path, RequestOptions{Method: "GET", TokenType: TokenSession})
}

func (c *BunqClient) ListEvents(ctx context.Context, userID string, params PageParams) (*BunqEnvelope, error) {
	path := params.RawURL
	if path == "" {
		path = fmt.Sprintf("/user/%s/event%s", userID, params.query())
	}
	return c.Request(ctx, path, RequestOptions{Method: "GET", TokenType: TokenSession})
}

// ========== ENVELOPE EXTRACTION ==========

func extractToken(envelope *BunqEnvelope) (string, error) {
	for _, entry := range envelope.Response {
		raw, ok := entry["Token"]
		if !ok {
			continue
		}
		var tokenObj struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(raw, &tokenObj); err == nil && tokenObj.Token != "" {
			return tokenObj.Token, nil
		}
	}
	return "", &BunqInvalidResponseError{Message: "bunq token was missing in response"}
}

func extractServerPublicKey(envelope *BunqEnvelope) (string, error) {
	for _, entry := range envelope.Response {
		raw, ok := entry["ServerPublicKey"]
		if !ok {
			continue
		}
		var keyObj struct {
			ServerPublicKey string `json:"server_public_key"`
		}
		if err := json.Unmarshal(raw, &keyObj); err == nil && keyObj.ServerPublicKey != "" {
			return keyObj.ServerPublicKey, nil
		}
	}
	return "", &BunqInvalidResponseError{Message: "bunq server public key was missing in response"}
}

func extractUserID(envelope *BunqEnvelope) (string, error) {
	for _, entry := range envelope.Response {
		for _, key := range []string{"UserPerson", "UserCompany", "UserLight"} {
			raw, ok := entry[key]
			if !ok {
				continue
			}
			var userObj struct {
				ID json.Number `json:"id"`
			}
			if err := json.Unmarshal(raw, &userObj); err == nil && userObj.ID.String() != "" {
				return userObj.ID.String(), nil
			}
		}
	}
	return "", &BunqInvalidResponseError{Message: "bunq user ID was missing in response"}
}
