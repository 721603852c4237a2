package routes

import (
	"database/sql"

	"github.com/LovationAdmin/bunq-sync/handlers"
	"github.com/LovationAdmin/bunq-sync/services"

	"github.com/gin-gonic/gin"
)

// SetupBunqRoutes registers the bunq sync endpoints.
func SetupBunqRoutes(rg *gin.RouterGroup, db *sql.DB) {
	secrets := services.NewDBSecretStore(db)
	service := services.NewBunqService(secrets)
	h := handlers.NewBunqHandler(service)

	rg.GET("/bunq/status", h.GetStatus)
	rg.POST("/bunq/accounts", h.ListAccounts)
	rg.POST("/bunq/transactions", h.ListTransactions)
}
