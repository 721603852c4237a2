package services

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// memSecretStore is the in-memory secret store used by tests.
type memSecretStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemSecretStore(seed map[string]string) *memSecretStore {
	values := make(map[string]string)
	for name, value := range seed {
		values[name] = value
	}
	return &memSecretStore{values: values}
}

func (s *memSecretStore) Get(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[name], nil
}

func (s *memSecretStore) Set(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.values, name)
	} else {
		s.values[name] = value
	}
	return nil
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func httpResponse(status int, body string, headers map[string]string) *http.Response {
	header := make(http.Header)
	for key, value := range headers {
		header.Set(key, value)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// Generating RSA keys is slow; share one pair across tests that only need a
// valid key.
var (
	testKeyOnce    sync.Once
	testPrivateKey string
	testPublicKey  string
)

func testKeys() (string, string) {
	testKeyOnce.Do(func() {
		priv, pub, err := GenerateBunqKeyPair()
		if err != nil {
			panic(err)
		}
		testPrivateKey = priv
		testPublicKey = pub
	})
	return testPrivateKey, testPublicKey
}

// fakeClock advances only when told to.
type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}
