package services

import (
	"context"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/LovationAdmin/bunq-sync/models"
	"github.com/LovationAdmin/bunq-sync/utils"
)

// BunqService is the produced interface to the route layer: account listing
// and bounded, resumable transaction import with category reconciliation.
// All state is injected; nothing here is a process-wide singleton, so
// multiple syncs can run against isolated stores in tests.
type BunqService struct {
	Secrets SecretStore
	Auth    *AuthContextManager

	// HTTPClient overrides the transport on every protocol client built by
	// this service; tests plug a fake RoundTripper here.
	HTTPClient *http.Client

	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
	RandFloat func() float64
}

const (
	paymentsTimeBudget = DefaultPaymentTimeBudget
	eventsTimeBudget   = DefaultEventTimeBudget

	// The events walk stalls out after this many consecutive pages with no
	// new mappings, once enough events were scanned to know the tail is
	// unlikely to help.
	eventsStallPages      = 3
	eventsStallMinScanned = 600
)

func NewBunqService(secrets SecretStore) *BunqService {
	return &BunqService{
		Secrets: secrets,
		Auth:    NewAuthContextManager(secrets),
	}
}

func (s *BunqService) IsConfigured(ctx context.Context) bool {
	apiKey, err := s.Secrets.Get(ctx, SecretBunqAPIKey)
	return err == nil && apiKey != ""
}

// clientFromContext builds a protocol client carrying the full credential
// tuple, wired to refresh the session once on rejection.
func (s *BunqService) clientFromContext(authCtx *AuthContext) *BunqClient {
	client := NewBunqClient(authCtx.Environment)
	client.APIKey = authCtx.APIKey
	client.ClientPrivateKey = authCtx.ClientPrivateKey
	client.InstallationToken = authCtx.InstallationToken
	client.SessionToken = authCtx.SessionToken
	client.ServerPublicKey = authCtx.ServerPublicKey

	if s.HTTPClient != nil {
		client.HTTPClient = s.HTTPClient
		s.Auth.HTTPClient = s.HTTPClient
	}
	client.Now = s.Now
	client.Sleep = s.Sleep
	client.RandFloat = s.RandFloat

	client.RefreshSession = func(ctx context.Context) (string, error) {
		refreshed, err := s.Auth.RefreshSession(ctx)
		if err != nil {
			return "", err
		}
		return refreshed.SessionToken, nil
	}
	return client
}

func (s *BunqService) newWalker() *PaginationWalker {
	walker := NewPaginationWalker()
	if s.Now != nil {
		walker.Now = s.Now
	}
	return walker
}

// GetStatus reports whether the integration is configured and whether an
// auth context can be established.
func (s *BunqService) GetStatus(ctx context.Context) (*models.StatusResult, error) {
	environment := s.Auth.Environment(ctx)
	if !s.IsConfigured(ctx) {
		return &models.StatusResult{Configured: false, Environment: environment}, nil
	}

	if _, err := s.Auth.EnsureContext(ctx); err != nil {
		payload, unknown := MapBunqError(err)
		if unknown != nil {
			return nil, unknown
		}
		return &models.StatusResult{
			Configured:  true,
			Environment: environment,
			ErrorType:   payload.ErrorType,
			ErrorCode:   payload.ErrorCode,
			Reason:      payload.Reason,
		}, nil
	}

	return &models.StatusResult{Configured: true, Environment: environment, AuthContextReady: true}, nil
}

// ListAccounts returns the user's ACTIVE monetary accounts in the bank-sync
// shape. Inactive and unsupported entries are filtered and logged.
func (s *BunqService) ListAccounts(ctx context.Context) (*models.AccountsResult, error) {
	authCtx, err := s.Auth.EnsureContext(ctx)
	if err != nil {
		return nil, err
	}
	client := s.clientFromContext(authCtx)

	log.Printf("[Bunq] 📋 Listing monetary accounts for user %s", utils.MaskID(authCtx.UserID))
	envelope, err := client.ListMonetaryAccounts(ctx, authCtx.UserID)
	if err != nil {
		return nil, err
	}

	accounts := []models.BankSyncAccount{}
	filtered := 0
	for _, item := range envelope.Response {
		if !IsActiveMonetaryAccount(item) {
			filtered++
			continue
		}
		normalized := NormalizeMonetaryAccountItem(item)
		if normalized == nil {
			filtered++
			log.Printf("[Bunq] ⚠️  Skipping unsupported account item, keys: %v", ObjectKeyPaths(item, 3))
			continue
		}
		accounts = append(accounts, *normalized)
	}
	if filtered > 0 {
		log.Printf("[Bunq] Filtered %d inactive/unsupported account items of %d", filtered, len(envelope.Response))
	}

	return &models.AccountsResult{Accounts: accounts}, nil
}

type ListTransactionsOptions struct {
	AccountID      string
	StartDate      string // YYYY-MM-DD, backfill cutoff
	Cursor         *models.SyncCursor
	ImportCategory bool
}

// ListTransactions imports payments for one account — incrementally when a
// cursor is supplied, otherwise backfilling to StartDate — reconciles
// category-tagging events onto them, and returns normalized transactions
// plus a resumable cursor. Event failures are non-fatal: the import still
// succeeds with categories unset.
func (s *BunqService) ListTransactions(ctx context.Context, opts ListTransactionsOptions) (*models.TransactionsResult, error) {
	authCtx, err := s.Auth.EnsureContext(ctx)
	if err != nil {
		return nil, err
	}
	client := s.clientFromContext(authCtx)

	incomingNewerID := ""
	if opts.Cursor != nil {
		incomingNewerID = opts.Cursor.NewerID
	}

	payments, err := s.fetchPayments(ctx, client, authCtx.UserID, opts.AccountID, opts.StartDate, incomingNewerID)
	if err != nil {
		return nil, err
	}

	categories := map[string]string{}
	if opts.ImportCategory && len(payments) > 0 {
		categories, err = s.fetchCategories(ctx, client, authCtx.UserID, opts.AccountID, payments)
		if err != nil {
			// Non-fatal: the payments import still succeeds with all
			// categories left unset.
			log.Printf("[Bunq] ⚠️  Event fetch failed, importing without categories: %v", err)
			categories = map[string]string{}
		}
	}

	all := make([]models.BankSyncTransaction, 0, len(payments))
	for _, payment := range payments {
		transaction, err := NormalizeBunqPayment(payment, categories[payment.ID.String()])
		if err != nil {
			return nil, err
		}
		all = append(all, *transaction)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].SortOrder > all[j].SortOrder
	})

	startingBalance, err := s.currentAccountBalance(ctx, client, authCtx.UserID, opts.AccountID)
	if err != nil {
		return nil, err
	}

	return &models.TransactionsResult{
		Balances:        []models.BankSyncAmount{},
		StartingBalance: startingBalance,
		Transactions: models.TransactionBuckets{
			All:     all,
			Booked:  all,
			Pending: []models.BankSyncTransaction{},
		},
		Cursor: models.SyncCursor{NewerID: MergeNewerID(incomingNewerID, payments)},
	}, nil
}

func (s *BunqService) fetchPayments(ctx context.Context, client *BunqClient, userID, accountID, startDate, newerID string) ([]BunqPayment, error) {
	direction := WalkOlder
	if newerID != "" {
		direction = WalkNewer
	}

	var collected []BunqPayment
	reachedStart := false

	fetch := func(ctx context.Context, cursorID, cursorURL string) (*FetchedPage, error) {
		params := PageParams{Count: DefaultPageSize, RawURL: PathFromPaginationURL(cursorURL)}
		if params.RawURL == "" {
			if direction == WalkNewer {
				params.NewerID = cursorID
			} else {
				params.OlderID = cursorID
			}
		}

		envelope, err := client.ListPayments(ctx, userID, accountID, params)
		if err != nil {
			return nil, err
		}

		pagePayments, err := ExtractPayments(envelope)
		if err != nil {
			return nil, err
		}

		page := &FetchedPage{Cursor: ExtractPaginationCursor(envelope)}
		for _, payment := range pagePayments {
			if startDate != "" && direction == WalkOlder {
				paymentDate := dayOf(payment.Created)
				if paymentDate != "" && paymentDate < startDate {
					reachedStart = true
					continue
				}
			}
			page.Items = append(page.Items, WalkItem{ID: payment.ID.String()})
			collected = append(collected, payment)
		}
		return page, nil
	}

	result, err := s.newWalker().Walk(ctx, fetch, WalkOptions{
		Direction:       direction,
		PageSize:        DefaultPageSize,
		MaxPages:        DefaultMaxPages,
		TimeBudget:      paymentsTimeBudget,
		InitialCursorID: newerID,
		Complete:        func() bool { return reachedStart },
	})
	if err != nil {
		return nil, err
	}

	// The walker deduplicates by id; keep collected payments aligned.
	seen := make(map[string]bool, len(result.Items))
	for _, item := range result.Items {
		seen[item.ID] = true
	}
	payments := make([]BunqPayment, 0, len(result.Items))
	added := make(map[string]bool, len(result.Items))
	for _, payment := range collected {
		id := payment.ID.String()
		if seen[id] && !added[id] {
			added[id] = true
			payments = append(payments, payment)
		}
	}

	log.Printf("[Bunq] 💳 Fetched %d payments in %d pages (stop: %s)", len(payments), result.Pages, result.StopReason)
	return payments, nil
}

// fetchCategories walks the events collection and reconciles category tags
// onto the fetched payments.
func (s *BunqService) fetchCategories(ctx context.Context, client *BunqClient, userID, accountID string, payments []BunqPayment) (map[string]string, error) {
	engine := NewReconciliationEngine(payments)

	scanned := 0
	pagesWithoutProgress := 0

	fetch := func(ctx context.Context, cursorID, cursorURL string) (*FetchedPage, error) {
		params := PageParams{
			Count:             DefaultPageSize,
			OlderID:           cursorID,
			MonetaryAccountID: accountID,
			RawURL:            PathFromPaginationURL(cursorURL),
		}
		if params.RawURL != "" {
			params.OlderID = ""
		}

		envelope, err := client.ListEvents(ctx, userID, params)
		if err != nil {
			return nil, err
		}

		events, err := ExtractEvents(envelope)
		if err != nil {
			return nil, err
		}

		scanned += len(events)
		if engine.Consume(events) == 0 {
			pagesWithoutProgress++
		} else {
			pagesWithoutProgress = 0
		}

		page := &FetchedPage{Cursor: ExtractPaginationCursor(envelope)}
		for _, event := range events {
			page.Items = append(page.Items, WalkItem{ID: event.ID.String()})
		}
		return page, nil
	}

	result, err := s.newWalker().Walk(ctx, fetch, WalkOptions{
		Direction:  WalkOlder,
		PageSize:   DefaultPageSize,
		MaxPages:   DefaultMaxPages,
		TimeBudget: eventsTimeBudget,
		Complete:   engine.AllMapped,
		Stalled: func() bool {
			return scanned >= eventsStallMinScanned && pagesWithoutProgress >= eventsStallPages
		},
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Bunq] 🏷️  Mapped %d/%d payments from %d events (stop: %s)",
		engine.MappedCount(), len(payments), scanned, result.StopReason)
	return engine.Categories(), nil
}

func (s *BunqService) currentAccountBalance(ctx context.Context, client *BunqClient, userID, accountID string) (*int64, error) {
	envelope, err := client.ListMonetaryAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, item := range envelope.Response {
		normalized := NormalizeMonetaryAccountItem(item)
		if normalized != nil && normalized.AccountID == accountID {
			balance := normalized.Balance
			return &balance, nil
		}
	}
	return nil, nil
}
