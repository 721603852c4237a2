package models

// Normalized shapes handed to the budgeting application. Field names match
// the bank-sync contract the desktop client already consumes, so every
// provider integration produces the same JSON.

type BankSyncAmount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type BankSyncTransaction struct {
	Booked                bool           `json:"booked"`
	Date                  string         `json:"date"`
	BookingDate           string         `json:"bookingDate"`
	ValueDate             string         `json:"valueDate"`
	PostedDate            string         `json:"postedDate"`
	TransactedDate        string         `json:"transactedDate"`
	SortOrder             int64          `json:"sortOrder"`
	PayeeName             string         `json:"payeeName"`
	Notes                 *string        `json:"notes"`
	Category              *string        `json:"category"`
	TransactionAmount     BankSyncAmount `json:"transactionAmount"`
	TransactionID         string         `json:"transactionId"`
	InternalTransactionID string         `json:"internalTransactionId"`
}

type BankSyncAccount struct {
	SourceType   string `json:"sourceType"`
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	Name         string `json:"name"`
	OfficialName string `json:"official_name"`
	Institution  string `json:"institution"`
	Mask         string `json:"mask"`
	IBAN         string `json:"iban"`
	Currency     string `json:"currency"`
	Balance      int64  `json:"balance"` // minor units
}

// SyncCursor lets the caller resume an incremental sync from the newest
// payment it has already seen.
type SyncCursor struct {
	NewerID string `json:"newerId,omitempty"`
}

type TransactionBuckets struct {
	All     []BankSyncTransaction `json:"all"`
	Booked  []BankSyncTransaction `json:"booked"`
	Pending []BankSyncTransaction `json:"pending"`
}

type TransactionsResult struct {
	Balances        []BankSyncAmount   `json:"balances"`
	StartingBalance *int64             `json:"startingBalance"`
	Transactions    TransactionBuckets `json:"transactions"`
	Cursor          SyncCursor         `json:"cursor"`
}

type AccountsResult struct {
	Accounts []BankSyncAccount `json:"accounts"`
}

type StatusResult struct {
	Configured       bool   `json:"configured"`
	Environment      string `json:"environment"`
	AuthContextReady bool   `json:"authContextReady"`
	ErrorType        string `json:"error_type,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
	Reason           string `json:"reason,omitempty"`
}
