// Package api exposes the read/admin HTTP surface: deposit and nonce reads,
// the transaction-history index, and token-metadata administration.
package api

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quarklabs/aa-entrypoint/internal/entrypoint"
	"github.com/quarklabs/aa-entrypoint/internal/history"
)

// ChainInfo is the /chain payload.
type ChainInfo struct {
	Chain    string `json:"chain"`
	Currency string `json:"currency"`
}

// AddMetadataRequest registers a token's metadata; string fields are
// lowercased before storage.
type AddMetadataRequest struct {
	Chain           string `json:"chain" binding:"required"`
	Currency        string `json:"currency" binding:"required"`
	ContractAddress string `json:"contract_address" binding:"required"`
	Exponent        int32  `json:"exponent"`
	TokenType       string `json:"token_type"`
	Name            string `json:"name"`
}

// Handler wires the API routes onto a Gin group.
type Handler struct {
	ep    *entrypoint.EntryPoint
	store *history.Store
	chain ChainInfo
	log   *zap.Logger
}

func NewHandler(ep *entrypoint.EntryPoint, store *history.Store, chain ChainInfo, log *zap.Logger) *Handler {
	return &Handler{ep: ep, store: store, chain: chain, log: log}
}

// Register mounts all routes.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/chain", h.handleChain)
	rg.GET("/deposit/:address", h.handleDeposit)
	rg.GET("/nonce/:address/:key", h.handleNonce)
	rg.GET("/transactions", h.handleListTransactions)
	rg.GET("/transactions/:txhash", h.handleGetTransaction)
	rg.POST("/admin/metadata", h.handleAddMetadata)
}

func (h *Handler) handleChain(c *gin.Context) {
	c.JSON(http.StatusOK, h.chain)
}

func (h *Handler) handleDeposit(c *gin.Context) {
	raw := c.Param("address")
	if !common.IsHexAddress(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}
	info := h.ep.Ledger().GetDepositInfo(common.HexToAddress(raw))
	c.JSON(http.StatusOK, info)
}

func (h *Handler) handleNonce(c *gin.Context) {
	raw := c.Param("address")
	if !common.IsHexAddress(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}
	key, ok := new(big.Int).SetString(c.Param("key"), 10)
	if !ok || key.Sign() < 0 || key.BitLen() > 192 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nonce key"})
		return
	}
	nonce := h.ep.GetNonce(common.HexToAddress(raw), key)
	c.JSON(http.StatusOK, gin.H{"nonce": nonce.String()})
}

func (h *Handler) handleListTransactions(c *gin.Context) {
	user := c.Query("user")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user"})
		return
	}
	var beforeID int64
	if raw := c.Query("before"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
			return
		}
		beforeID = v
	}
	limit := int64(history.DefaultPageSize)
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = v
	}

	records, err := h.store.ListByUser(c.Request.Context(), user, beforeID, limit)
	if err != nil {
		h.log.Error("list transactions", zap.String("user", user), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": records})
}

func (h *Handler) handleGetTransaction(c *gin.Context) {
	user := c.Query("user")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user"})
		return
	}
	rec, err := h.store.GetByHash(c.Request.Context(), c.Param("txhash"), user)
	if err != nil {
		h.log.Error("get transaction", zap.String("user", user), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) handleAddMetadata(c *gin.Context) {
	var req AddMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	md := history.TokenMetadata{
		Chain:           req.Chain,
		Currency:        req.Currency,
		ContractAddress: req.ContractAddress,
		Exponent:        req.Exponent,
		TokenType:       req.TokenType,
		Name:            req.Name,
	}
	if err := h.store.PutMetadata(c.Request.Context(), md); err != nil {
		h.log.Error("put metadata", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metadata write failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
