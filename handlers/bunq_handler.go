package handlers

import (
	"log"
	"net/http"

	"github.com/LovationAdmin/bunq-sync/models"
	"github.com/LovationAdmin/bunq-sync/services"

	"github.com/gin-gonic/gin"
)

// BunqHandler exposes the bunq sync operations to the application. Errors
// from the provider are communicated in-band with HTTP 200 so the UI renders
// them without special-casing transport failures; only unrecognized errors
// become a 500.
type BunqHandler struct {
	Service *services.BunqService
}

func NewBunqHandler(service *services.BunqService) *BunqHandler {
	return &BunqHandler{Service: service}
}

func (h *BunqHandler) respond(c *gin.Context, result interface{}, err error) {
	if err == nil {
		c.JSON(http.StatusOK, result)
		return
	}

	payload, unknown := services.MapBunqError(err)
	if unknown != nil {
		log.Printf("❌ Unexpected bunq error: %v", unknown)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	log.Printf("⚠️  Bunq error surfaced to caller: %s (%s)", payload.ErrorCode, payload.Reason)
	c.JSON(http.StatusOK, payload)
}

// GET /bunq/status
func (h *BunqHandler) GetStatus(c *gin.Context) {
	status, err := h.Service.GetStatus(c.Request.Context())
	h.respond(c, status, err)
}

// POST /bunq/accounts
func (h *BunqHandler) ListAccounts(c *gin.Context) {
	result, err := h.Service.ListAccounts(c.Request.Context())
	h.respond(c, result, err)
}

// POST /bunq/transactions
func (h *BunqHandler) ListTransactions(c *gin.Context) {
	var req struct {
		AccountID      string             `json:"accountId" binding:"required"`
		StartDate      string             `json:"startDate"`
		Cursor         *models.SyncCursor `json:"cursor"`
		ImportCategory *bool              `json:"importCategory"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": "accountId is required",
		})
		return
	}

	importCategory := true
	if req.ImportCategory != nil {
		importCategory = *req.ImportCategory
	}

	log.Printf("🔄 Transaction sync requested for account %s (startDate=%s)", req.AccountID, req.StartDate)

	result, err := h.Service.ListTransactions(c.Request.Context(), services.ListTransactionsOptions{
		AccountID:      req.AccountID,
		StartDate:      req.StartDate,
		Cursor:         req.Cursor,
		ImportCategory: importCategory,
	})
	h.respond(c, result, err)
}
