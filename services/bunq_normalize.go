package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LovationAdmin/bunq-sync/models"
	"github.com/shopspring/decimal"
)

// Pure mapping from provider shapes into the application's bank-sync
// contract. No network or state access here.

type BunqMonetaryAccount struct {
	ID          json.Number `json:"id"`
	Description string      `json:"description"`
	Currency    string      `json:"currency"`
	Status      string      `json:"status"`
	Balance     *BunqAmount `json:"balance"`
	Alias       []BunqAlias `json:"alias"`
}

var monetaryAccountTypes = []string{
	"MonetaryAccountBank",
	"MonetaryAccountSavings",
	"MonetaryAccountJoint",
	"MonetaryAccountExternal",
}

// NormalizeMonetaryAccountItem maps one Response entry into the bank-sync
// account shape, or nil for unsupported entries.
func NormalizeMonetaryAccountItem(item map[string]json.RawMessage) *models.BankSyncAccount {
	for _, sourceType := range monetaryAccountTypes {
		raw, ok := item[sourceType]
		if !ok {
			continue
		}
		var account BunqMonetaryAccount
		if err := json.Unmarshal(raw, &account); err != nil {
			return nil
		}
		return mapMonetaryAccount(account, sourceType)
	}
	return nil
}

// IsActiveMonetaryAccount reports whether the entry is an account variant in
// ACTIVE status. Inactive variants are filtered before normalization.
func IsActiveMonetaryAccount(item map[string]json.RawMessage) bool {
	for _, sourceType := range monetaryAccountTypes {
		raw, ok := item[sourceType]
		if !ok {
			continue
		}
		var account struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(raw, &account); err != nil {
			return false
		}
		return account.Status == "ACTIVE"
	}
	return false
}

func mapMonetaryAccount(account BunqMonetaryAccount, sourceType string) *models.BankSyncAccount {
	iban := ""
	for _, alias := range account.Alias {
		if alias.Type == "IBAN" {
			iban = alias.Value
			break
		}
	}
	if iban == "" && len(account.Alias) > 0 {
		iban = account.Alias[0].Value
	}

	mask := ""
	if len(iban) >= 4 {
		mask = iban[len(iban)-4:]
	}

	name := account.Description
	if name == "" {
		name = fmt.Sprintf("Bunq account %s", account.ID.String())
	}

	currency := account.Currency
	if currency == "" {
		currency = "EUR"
	}

	balance := int64(0)
	if account.Balance != nil {
		if d, err := decimal.NewFromString(account.Balance.Value); err == nil {
			balance = d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
		}
	}

	return &models.BankSyncAccount{
		SourceType:   sourceType,
		ID:           account.ID.String(),
		AccountID:    account.ID.String(),
		Name:         name,
		OfficialName: name,
		Institution:  "bunq",
		Mask:         mask,
		IBAN:         iban,
		Currency:     currency,
		Balance:      balance,
	}
}

// NormalizeBunqPayment maps a payment plus an optional category label into
// the bank-sync transaction shape. Idempotent: same input, same output.
func NormalizeBunqPayment(payment BunqPayment, category string) (*models.BankSyncTransaction, error) {
	amount := "0.00"
	if d, err := decimal.NewFromString(payment.Amount.Value); err == nil {
		amount = d.StringFixed(2)
	}

	date := dayOf(payment.Created)
	if date == "" {
		return nil, &BunqInvalidResponseError{
			Message: "bunq payment is missing created date (id " + payment.ID.String() + ")",
		}
	}

	currency := payment.Amount.Currency
	if currency == "" {
		currency = "EUR"
	}

	payeeName := ""
	if payment.CounterpartyAlias != nil {
		payeeName = payment.CounterpartyAlias.DisplayName
	}
	if payeeName == "" {
		payeeName = payment.Description
	}
	if payeeName == "" {
		payeeName = "bunq"
	}

	var notes *string
	if payment.Description != "" {
		description := payment.Description
		notes = &description
	}

	var categoryPtr *string
	if category != "" {
		normalized := TitleCaseLabel(category)
		categoryPtr = &normalized
	}

	return &models.BankSyncTransaction{
		Booked:                true,
		Date:                  date,
		BookingDate:           date,
		ValueDate:             date,
		PostedDate:            date,
		TransactedDate:        date,
		SortOrder:             parseSortOrder(payment.Created, date),
		PayeeName:             payeeName,
		Notes:                 notes,
		Category:              categoryPtr,
		TransactionAmount:     models.BankSyncAmount{Amount: amount, Currency: currency},
		TransactionID:         payment.ID.String(),
		InternalTransactionID: payment.ID.String(),
	}, nil
}

func parseSortOrder(created, date string) int64 {
	for _, layout := range []string{
		"2006-01-02 15:04:05.000000",
		"2006-01-02 15:04:05",
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, created); err == nil {
			return t.UnixMilli()
		}
	}
	if t, err := time.Parse("2006-01-02", date); err == nil {
		return t.UnixMilli()
	}
	return 0
}

// TitleCaseLabel normalizes a category label ("groceries_out" or "EATING
// OUT") into Title Case words.
func TitleCaseLabel(label string) string {
	cleaned := strings.NewReplacer("_", " ", "-", " ").Replace(label)
	words := strings.Fields(strings.ToLower(cleaned))
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// ExtractPayments pulls the Payment objects out of a listing envelope.
func ExtractPayments(envelope *BunqEnvelope) ([]BunqPayment, error) {
	if envelope.Response == nil {
		return nil, &BunqInvalidResponseError{Message: "unexpected bunq payment response shape"}
	}

	var payments []BunqPayment
	for _, entry := range envelope.Response {
		raw, ok := entry["Payment"]
		if !ok {
			continue
		}
		var payment BunqPayment
		if err := json.Unmarshal(raw, &payment); err != nil {
			return nil, &BunqInvalidResponseError{Message: "bunq payment entry was malformed"}
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

// ExtractEvents pulls the Event objects out of a listing envelope.
func ExtractEvents(envelope *BunqEnvelope) ([]BunqEvent, error) {
	if envelope.Response == nil {
		return nil, &BunqInvalidResponseError{Message: "unexpected bunq event response shape"}
	}

	var events []BunqEvent
	for _, entry := range envelope.Response {
		raw, ok := entry["Event"]
		if !ok {
			continue
		}
		var event BunqEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, &BunqInvalidResponseError{Message: "bunq event entry was malformed"}
		}
		events = append(events, event)
	}
	return events, nil
}

// MergeNewerID advances the resumable cursor to the highest payment id seen,
// comparing numerically when both sides are numeric.
func MergeNewerID(currentNewerID string, payments []BunqPayment) string {
	maxID := currentNewerID
	for _, payment := range payments {
		paymentID := payment.ID.String()
		if paymentID == "" {
			continue
		}
		if maxID == "" {
			maxID = paymentID
			continue
		}

		asCurrent, errCurrent := strconv.ParseInt(maxID, 10, 64)
		asPayment, errPayment := strconv.ParseInt(paymentID, 10, 64)
		if errCurrent == nil && errPayment == nil {
			if asPayment > asCurrent {
				maxID = paymentID
			}
		} else if paymentID > maxID {
			maxID = paymentID
		}
	}
	return maxID
}

// ObjectKeyPaths lists dotted key paths of a raw JSON object, used to log
// the shape of unsupported account entries without dumping their values.
func ObjectKeyPaths(item map[string]json.RawMessage, maxDepth int) []string {
	var paths []string
	var visit func(prefix string, raw json.RawMessage, depth int)
	visit = func(prefix string, raw json.RawMessage, depth int) {
		if depth > maxDepth {
			return
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err != nil {
			return
		}
		for key, value := range nested {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			paths = append(paths, path)
			visit(path, value, depth+1)
		}
	}
	for key, value := range item {
		paths = append(paths, key)
		visit(key, value, 2)
	}
	return paths
}
