package services

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Event→payment reconciliation. Category-tagging events carry no reliable
// foreign key to the payment they describe, so matching is two-phase: exact
// by embedded payment id, then a fuzzy composite-key fallback that rejects
// any ambiguity. A wrong mapping is worse than no mapping.

type BunqAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type BunqAlias struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	DisplayName string `json:"display_name"`
}

type BunqPayment struct {
	ID                json.Number `json:"id"`
	Created           string      `json:"created"`
	Amount            BunqAmount  `json:"amount"`
	Description       string      `json:"description"`
	MonetaryAccountID json.Number `json:"monetary_account_id"`
	CounterpartyAlias *BunqAlias  `json:"counterparty_alias"`
}

type BunqPaymentBatch struct {
	Payments []BunqPayment `json:"payments"`
}

type BunqMasterCardAction struct {
	ID                json.Number  `json:"id"`
	Created           string       `json:"created"`
	AmountBilling     BunqAmount   `json:"amount_billing"`
	AmountLocal       BunqAmount   `json:"amount_local"`
	MonetaryAccountID json.Number  `json:"monetary_account_id"`
	CounterpartyAlias *BunqAlias   `json:"counterparty_alias"`
	Payment           *BunqPayment `json:"payment"`
}

type BunqRequestInquiry struct {
	ID                json.Number `json:"id"`
	Created           string      `json:"created"`
	AmountInquired    BunqAmount  `json:"amount_inquired"`
	MonetaryAccountID json.Number `json:"monetary_account_id"`
	CounterpartyAlias *BunqAlias  `json:"counterparty_alias"`
}

type BunqEvent struct {
	ID       json.Number                `json:"id"`
	Created  string                     `json:"created"`
	Category string                     `json:"category"`
	Object   map[string]json.RawMessage `json:"object"`
}

// EventObjectKind is the explicit discriminator for the event payload union.
type EventObjectKind int

const (
	EventObjectUnknown EventObjectKind = iota
	EventObjectPayment
	EventObjectPaymentBatch
	EventObjectMasterCardAction
	EventObjectRequestInquiry
)

// ClassifyEventObject resolves the payload union by its wrapper key.
func ClassifyEventObject(object map[string]json.RawMessage) (EventObjectKind, json.RawMessage) {
	if raw, ok := object["Payment"]; ok {
		return EventObjectPayment, raw
	}
	if raw, ok := object["PaymentBatch"]; ok {
		return EventObjectPaymentBatch, raw
	}
	if raw, ok := object["MasterCardAction"]; ok {
		return EventObjectMasterCardAction, raw
	}
	if raw, ok := object["RequestInquiry"]; ok {
		return EventObjectRequestInquiry, raw
	}
	return EventObjectUnknown, nil
}

func aliasIdentity(alias *BunqAlias) string {
	if alias == nil {
		return ""
	}
	if alias.DisplayName != "" {
		return alias.DisplayName
	}
	return alias.Value
}

func dayOf(created string) string {
	if len(created) >= 10 {
		return created[:10]
	}
	return created
}

func fixedAmount(value string) (string, bool) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return "", false
	}
	return d.StringFixed(2), true
}

func flipAmount(value string) (string, bool) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return "", false
	}
	return d.Neg().StringFixed(2), true
}

func matchKey(day, amount, currency, accountID, counterparty string) string {
	key := day + "|" + amount + "|" + currency + "|" + accountID
	if counterparty != "" {
		key += "|" + strings.ToLower(counterparty)
	}
	return key
}

// matchCandidate is what the fallback derives from an event payload.
type matchCandidate struct {
	day          string // day reported by the payload itself
	eventDay     string // day of the event envelope
	amount       string
	currency     string
	accountID    string
	counterparty string
}

// ReconciliationEngine maps category labels onto a fixed set of payments.
// Working sets are local to one sync call and discarded afterwards; there is
// no long-lived cache.
type ReconciliationEngine struct {
	payments   map[string]*BunqPayment
	categories map[string]string // payment id -> raw category label

	byKey      map[string][]string // day-qualified composite key -> payment ids
	byKeyNoDay map[string][]string

	consumedEvents map[string]bool
}

func NewReconciliationEngine(payments []BunqPayment) *ReconciliationEngine {
	engine := &ReconciliationEngine{
		payments:       make(map[string]*BunqPayment, len(payments)),
		categories:     make(map[string]string),
		byKey:          make(map[string][]string),
		byKeyNoDay:     make(map[string][]string),
		consumedEvents: make(map[string]bool),
	}

	for i := range payments {
		payment := &payments[i]
		id := payment.ID.String()
		if id == "" || engine.payments[id] != nil {
			continue
		}
		engine.payments[id] = payment

		amount, ok := fixedAmount(payment.Amount.Value)
		if !ok {
			continue
		}
		day := dayOf(payment.Created)
		currency := payment.Amount.Currency
		accountID := payment.MonetaryAccountID.String()
		counterparty := aliasIdentity(payment.CounterpartyAlias)

		keys := []string{
			matchKey(day, amount, currency, accountID, ""),
		}
		if counterparty != "" {
			keys = append(keys, matchKey(day, amount, currency, accountID, counterparty))
		}
		for _, key := range keys {
			engine.byKey[key] = append(engine.byKey[key], id)
		}

		noDayKeys := []string{
			matchKey("", amount, currency, accountID, ""),
		}
		if counterparty != "" {
			noDayKeys = append(noDayKeys, matchKey("", amount, currency, accountID, counterparty))
		}
		for _, key := range noDayKeys {
			engine.byKeyNoDay[key] = append(engine.byKeyNoDay[key], id)
		}
	}

	return engine
}

// Categories returns the payment id → category mapping produced so far.
func (e *ReconciliationEngine) Categories() map[string]string {
	return e.categories
}

func (e *ReconciliationEngine) MappedCount() int {
	return len(e.categories)
}

// AllMapped reports whether every payment in the working set has a category.
func (e *ReconciliationEngine) AllMapped() bool {
	return len(e.categories) == len(e.payments)
}

// Consume processes one batch of events and returns how many new mappings it
// produced. Each event is consumed at most once across batches.
func (e *ReconciliationEngine) Consume(events []BunqEvent) int {
	newMappings := 0

	// Phase 1: exact mapping by embedded payment id. Id-based matches always
	// precede fallback matches, so fallback can never steal a payment an id
	// match would claim.
	var fallbackEvents []BunqEvent
	for _, event := range events {
		eventID := event.ID.String()
		if eventID == "" || e.consumedEvents[eventID] || event.Category == "" {
			continue
		}

		embedded := embeddedPaymentIDs(event)
		if len(embedded) == 0 {
			fallbackEvents = append(fallbackEvents, event)
			continue
		}

		e.consumedEvents[eventID] = true
		for _, paymentID := range embedded {
			if e.assign(paymentID, event.Category) {
				newMappings++
			}
		}
	}

	// Phase 2: composite-key fallback for events without an embedded id.
	for _, event := range fallbackEvents {
		eventID := event.ID.String()
		e.consumedEvents[eventID] = true

		candidate, ok := deriveMatchCandidate(event)
		if !ok {
			continue
		}
		if paymentID := e.resolveFallback(candidate); paymentID != "" {
			if e.assign(paymentID, event.Category) {
				newMappings++
			}
		}
	}

	return newMappings
}

// assign sets a category if the payment is in the working set and not yet
// categorized. First writer wins; a mapping is never overwritten by a
// lower-confidence match later in the pass.
func (e *ReconciliationEngine) assign(paymentID, category string) bool {
	if _, exists := e.payments[paymentID]; !exists {
		return false
	}
	if _, taken := e.categories[paymentID]; taken {
		return false
	}
	e.categories[paymentID] = category
	return true
}

func embeddedPaymentIDs(event BunqEvent) []string {
	kind, raw := ClassifyEventObject(event.Object)
	switch kind {
	case EventObjectPayment:
		var payment BunqPayment
		if err := json.Unmarshal(raw, &payment); err == nil && payment.ID.String() != "" {
			return []string{payment.ID.String()}
		}
	case EventObjectPaymentBatch:
		var batch BunqPaymentBatch
		if err := json.Unmarshal(raw, &batch); err == nil {
			var ids []string
			for _, payment := range batch.Payments {
				if payment.ID.String() != "" {
					ids = append(ids, payment.ID.String())
				}
			}
			return ids
		}
	case EventObjectMasterCardAction:
		var action BunqMasterCardAction
		if err := json.Unmarshal(raw, &action); err == nil &&
			action.Payment != nil && action.Payment.ID.String() != "" {
			return []string{action.Payment.ID.String()}
		}
	}
	return nil
}

func deriveMatchCandidate(event BunqEvent) (matchCandidate, bool) {
	kind, raw := ClassifyEventObject(event.Object)
	eventDay := dayOf(event.Created)

	switch kind {
	case EventObjectPayment:
		var payment BunqPayment
		if err := json.Unmarshal(raw, &payment); err != nil {
			return matchCandidate{}, false
		}
		return matchCandidate{
			day:          dayOf(payment.Created),
			eventDay:     eventDay,
			amount:       payment.Amount.Value,
			currency:     payment.Amount.Currency,
			accountID:    payment.MonetaryAccountID.String(),
			counterparty: aliasIdentity(payment.CounterpartyAlias),
		}, true

	case EventObjectMasterCardAction:
		var action BunqMasterCardAction
		if err := json.Unmarshal(raw, &action); err != nil {
			return matchCandidate{}, false
		}
		amount := action.AmountBilling
		if amount.Value == "" {
			amount = action.AmountLocal
		}
		return matchCandidate{
			day:          dayOf(action.Created),
			eventDay:     eventDay,
			amount:       amount.Value,
			currency:     amount.Currency,
			accountID:    action.MonetaryAccountID.String(),
			counterparty: aliasIdentity(action.CounterpartyAlias),
		}, true

	case EventObjectRequestInquiry:
		var inquiry BunqRequestInquiry
		if err := json.Unmarshal(raw, &inquiry); err != nil {
			return matchCandidate{}, false
		}
		return matchCandidate{
			day:          dayOf(inquiry.Created),
			eventDay:     eventDay,
			amount:       inquiry.AmountInquired.Value,
			currency:     inquiry.AmountInquired.Currency,
			accountID:    inquiry.MonetaryAccountID.String(),
			counterparty: aliasIdentity(inquiry.CounterpartyAlias),
		}, true
	}

	return matchCandidate{}, false
}

// resolveFallback tries the composite-key steps in confidence order and
// returns a payment id only when a step yields exactly one live candidate.
// Zero matches fall through to the next step; more than one match aborts the
// event entirely — ambiguity is never resolved by guessing.
func (e *ReconciliationEngine) resolveFallback(candidate matchCandidate) string {
	amount, ok := fixedAmount(candidate.amount)
	if !ok {
		return ""
	}
	flipped, _ := flipAmount(candidate.amount)

	// The payload-reported day is tried first; the event's own timestamp is
	// a fallback when the two disagree (a heuristic inherited from observed
	// provider behavior, first unambiguous candidate wins).
	days := []string{candidate.day}
	if candidate.eventDay != "" && candidate.eventDay != candidate.day {
		days = append(days, candidate.eventDay)
	}

	for _, day := range days {
		steps := []string{}
		if candidate.counterparty != "" {
			steps = append(steps, matchKey(day, amount, candidate.currency, candidate.accountID, candidate.counterparty))
		}
		steps = append(steps, matchKey(day, amount, candidate.currency, candidate.accountID, ""))
		if flipped != "" {
			if candidate.counterparty != "" {
				steps = append(steps, matchKey(day, flipped, candidate.currency, candidate.accountID, candidate.counterparty))
			}
			steps = append(steps, matchKey(day, flipped, candidate.currency, candidate.accountID, ""))
		}

		for _, key := range steps {
			switch live := e.liveCandidates(e.byKey[key]); len(live) {
			case 0:
				continue
			case 1:
				return live[0]
			default:
				return ""
			}
		}
	}

	// Last resort: drop the day entirely. Only a payment that is unique
	// across all days for this composite key can match.
	daylessSteps := []string{}
	if candidate.counterparty != "" {
		daylessSteps = append(daylessSteps, matchKey("", amount, candidate.currency, candidate.accountID, candidate.counterparty))
	}
	daylessSteps = append(daylessSteps, matchKey("", amount, candidate.currency, candidate.accountID, ""))
	for _, key := range daylessSteps {
		switch live := e.liveCandidates(e.byKeyNoDay[key]); len(live) {
		case 0:
			continue
		case 1:
			return live[0]
		default:
			return ""
		}
	}

	return ""
}

// liveCandidates filters out payments that were already categorized, so a
// later event cannot steal an already-resolved mapping.
func (e *ReconciliationEngine) liveCandidates(ids []string) []string {
	var live []string
	for _, id := range ids {
		if _, taken := e.categories[id]; !taken {
			live = append(live, id)
		}
	}
	return live
}
