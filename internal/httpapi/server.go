package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sfirelab/coinledger/internal/moderation"
	"github.com/sfirelab/coinledger/internal/telemetry"
	"github.com/sfirelab/coinledger/pkg/coinledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Dependencies collects everything the HTTP facade needs to serve requests.
type Dependencies struct {
	Logger    *zap.Logger
	Service   *coinledger.Service
	Meter     *coinledger.Meter
	Moderator moderation.Checker
	LLM       LLMClient
	Metrics   *telemetry.Metrics
}

func (deps Dependencies) validate() error {
	if deps.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if deps.Service == nil {
		return fmt.Errorf("ledger service is required")
	}
	if deps.Meter == nil {
		return fmt.Errorf("meter is required")
	}
	if deps.Moderator == nil {
		return fmt.Errorf("moderation checker is required")
	}
	if deps.LLM == nil {
		return fmt.Errorf("llm client is required")
	}
	return nil
}

// Run boots the HTTP facade and blocks until ctx is canceled or the listener
// fails.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := deps.validate(); err != nil {
		return err
	}

	handler := &httpHandler{cfg: cfg, deps: deps}
	router := setupRouter(cfg, handler, deps.Metrics)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("httpapi listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, metrics *telemetry.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if metrics != nil {
		router.Use(metrics.GinMiddleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/wallet", handler.handleWallet)
	api.POST("/recharge", handler.handleRecharge)
	api.POST("/adjust", handler.handleAdjust)
	api.GET("/logs", handler.handleLogs)
	api.GET("/usage/:request_id", handler.handleUsage)
	api.POST("/completions", handler.handleCompletion)

	return router
}

type httpHandler struct {
	cfg  Config
	deps Dependencies
}

type rechargeRequest struct {
	UserID     string `json:"user_id"`
	Amount     string `json:"amount"`
	Remark     string `json:"remark"`
	OrderID    string `json:"order_id"`
	OperatorID string `json:"operator_id"`
	Source     string `json:"source"`
}

type adjustRequest struct {
	UserID     string `json:"user_id"`
	Amount     string `json:"amount"`
	Remark     string `json:"remark"`
	OperatorID string `json:"operator_id"`
}

type completionRequest struct {
	UserID                string `json:"user_id"`
	Model                 string `json:"model"`
	Prompt                string `json:"prompt"`
	RequestID             string `json:"request_id"`
	ConversationID        string `json:"conversation_id"`
	EstimatedOutputTokens int    `json:"estimated_output_tokens"`
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.bindUserID(ctx, ctx.Query("user_id"))
	if !ok {
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *httpHandler) handleRecharge(ctx *gin.Context) {
	var request rechargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, ok := handler.bindUserID(ctx, request.UserID)
	if !ok {
		return
	}
	parsed, err := coinledger.ParseAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	amount, err := coinledger.NewPositiveAmount(parsed.Decimal())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	err = handler.deps.Service.Recharge(requestCtx, userID, amount, request.Remark, coinledger.RechargeOptions{
		OperatorID: request.OperatorID,
		OrderID:    request.OrderID,
		Source:     coinledger.EntrySource(request.Source),
	})
	if err != nil {
		handler.respondLedgerError(ctx, "recharge failed", err)
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *httpHandler) handleAdjust(ctx *gin.Context) {
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, ok := handler.bindUserID(ctx, request.UserID)
	if !ok {
		return
	}
	amount, err := coinledger.ParseAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := handler.deps.Service.Adjust(requestCtx, userID, amount, request.Remark, request.OperatorID); err != nil {
		handler.respondLedgerError(ctx, "adjust failed", err)
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *httpHandler) handleLogs(ctx *gin.Context) {
	userID, ok := handler.bindUserID(ctx, ctx.Query("user_id"))
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	entries, err := handler.deps.Service.ListLogs(requestCtx, userID, 0, handler.cfg.HistoryLimit)
	if err != nil {
		handler.respondLedgerError(ctx, "log list failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": logPayloads(entries)})
}

func (handler *httpHandler) handleUsage(ctx *gin.Context) {
	requestID, err := coinledger.NewRequestID(ctx.Param("request_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request_id", err.Error()))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	record, err := handler.deps.Service.FreezeRecord(requestCtx, requestID)
	if err != nil {
		if errors.Is(err, coinledger.ErrUnknownRequestID) {
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_request_id", "no usage recorded for request"))
			return
		}
		handler.respondLedgerError(ctx, "usage lookup failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"usage": usagePayloadFromRecord(record)})
}

// handleCompletion drives the full metering protocol around one generation:
// moderation gate, freeze, generate, then exactly one settlement outcome.
func (handler *httpHandler) handleCompletion(ctx *gin.Context) {
	var request completionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, ok := handler.bindUserID(ctx, request.UserID)
	if !ok {
		return
	}
	modelID, err := coinledger.NewModelID(request.Model)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_model", err.Error()))
		return
	}
	rawRequestID := request.RequestID
	if rawRequestID == "" {
		rawRequestID = uuid.NewString()
	}
	requestID, err := coinledger.NewRequestID(rawRequestID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request_id", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	// Input violations are rejected before any funds move.
	inputCheck, err := handler.deps.Moderator.CheckInput(requestCtx, request.Prompt)
	if err != nil {
		handler.respondLedgerError(ctx, "moderation failed", err)
		return
	}
	if !inputCheck.Passed {
		ctx.JSON(http.StatusBadRequest, errorResponse("input_rejected", "prompt violates content policy"))
		return
	}

	freezeInfo, err := handler.deps.Meter.CheckAndFreeze(requestCtx, coinledger.CheckAndFreezeInput{
		UserID:                userID,
		ModelID:               modelID,
		RequestID:             requestID,
		InputText:             request.Prompt,
		EstimatedOutputTokens: request.EstimatedOutputTokens,
		ConversationID:        request.ConversationID,
	})
	if err != nil {
		if errors.Is(err, coinledger.ErrEmptyInputText) {
			ctx.JSON(http.StatusBadRequest, errorResponse("empty_prompt", "prompt is required"))
			return
		}
		handler.respondLedgerError(ctx, "freeze failed", err)
		return
	}

	completion, generationErr := handler.deps.LLM.Complete(requestCtx, CompletionRequest{
		ModelID:        modelID,
		Prompt:         request.Prompt,
		MaxTokens:      request.EstimatedOutputTokens,
		ConversationID: request.ConversationID,
	})
	if generationErr != nil {
		settleErr := handler.deps.Meter.Settle(requestCtx, coinledger.SettleInput{
			UserID:      userID,
			ModelID:     modelID,
			RequestID:   requestID,
			ModelName:   modelID.String(),
			IsError:     true,
			ErrorReason: generationErr.Error(),
		})
		if settleErr != nil {
			handler.deps.Logger.Error("refund after generation failure failed",
				zap.String("request_id", requestID.String()), zap.Error(settleErr))
		}
		ctx.JSON(http.StatusBadGateway, errorResponse("generation_failed", "model backend error"))
		return
	}

	outputCheck, err := handler.deps.Moderator.CheckOutput(requestCtx, completion.Text)
	if err != nil {
		handler.respondLedgerError(ctx, "moderation failed", err)
		return
	}
	if !outputCheck.Passed {
		settleErr := handler.deps.Meter.Settle(requestCtx, coinledger.SettleInput{
			UserID:      userID,
			ModelID:     modelID,
			RequestID:   requestID,
			ModelName:   modelID.String(),
			IsViolation: true,
		})
		if settleErr != nil {
			handler.respondLedgerError(ctx, "violation settlement failed", settleErr)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"status":     "violation",
			"request_id": requestID.String(),
		})
		return
	}

	inputTokens := completion.InputTokens
	if inputTokens <= 0 {
		inputTokens = freezeInfo.InputTokens
	}
	outputTokens := completion.OutputTokens
	if outputTokens <= 0 {
		outputTokens = coinledger.EstimateTokens(completion.Text)
	}
	settleErr := handler.deps.Meter.Settle(requestCtx, coinledger.SettleInput{
		UserID:       userID,
		ModelID:      modelID,
		RequestID:    requestID,
		ModelName:    modelID.String(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
	if settleErr != nil {
		handler.respondLedgerError(ctx, "settlement failed", settleErr)
		return
	}

	record, err := handler.deps.Service.FreezeRecord(requestCtx, requestID)
	if err != nil {
		handler.respondLedgerError(ctx, "usage lookup failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"request_id": requestID.String(),
		"text":       completion.Text,
		"usage":      usagePayloadFromRecord(record),
	})
}

func (handler *httpHandler) bindUserID(ctx *gin.Context, raw string) (coinledger.UserID, bool) {
	userID, err := coinledger.NewUserID(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", "user_id is required"))
		return coinledger.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, userID coinledger.UserID) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	balance, err := handler.deps.Service.Balance(requestCtx, userID)
	if err != nil {
		handler.respondLedgerError(ctx, "wallet fetch failed", err)
		return
	}
	entries, err := handler.deps.Service.ListLogs(requestCtx, userID, 0, handler.cfg.HistoryLimit)
	if err != nil {
		handler.respondLedgerError(ctx, "wallet fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wallet": walletResponse{
			Balance: balancePayload{
				Total:     balance.Total,
				Frozen:    balance.Frozen,
				Available: balance.Available,
			},
			Entries: logPayloads(entries),
		},
	})
}

func (handler *httpHandler) respondLedgerError(ctx *gin.Context, message string, err error) {
	var insufficient *coinledger.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":      "insufficient_balance",
				"message":   "available balance cannot cover the request",
				"required":  insufficient.Required,
				"available": insufficient.Available,
				"shortfall": insufficient.Shortfall(),
			},
		})
	case errors.Is(err, coinledger.ErrInvalidAmount),
		errors.Is(err, coinledger.ErrInvalidUserID),
		errors.Is(err, coinledger.ErrInvalidRequestID),
		errors.Is(err, coinledger.ErrInvalidModelID),
		errors.Is(err, coinledger.ErrInvalidTokenCount):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, coinledger.ErrUnknownRequestID):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_request_id", err.Error()))
	default:
		handler.deps.Logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", message))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type walletResponse struct {
	Balance balancePayload `json:"balance"`
	Entries []logPayload   `json:"entries"`
}

type balancePayload struct {
	Total     coinledger.Amount `json:"total"`
	Frozen    coinledger.Amount `json:"frozen"`
	Available coinledger.Amount `json:"available"`
}

type logPayload struct {
	LogID          string            `json:"log_id"`
	Type           string            `json:"type"`
	Amount         coinledger.Amount `json:"amount"`
	BeforeBalance  coinledger.Amount `json:"before_balance"`
	AfterBalance   coinledger.Amount `json:"after_balance"`
	Remark         string            `json:"remark"`
	Source         string            `json:"source"`
	CreatedUnixUTC int64             `json:"created_unix_utc"`
}

func logPayloads(entries []coinledger.LogEntry) []logPayload {
	payloads := make([]logPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, logPayload{
			LogID:          entry.LogID,
			Type:           entry.Type.String(),
			Amount:         entry.Amount,
			BeforeBalance:  entry.BeforeBalance,
			AfterBalance:   entry.AfterBalance,
			Remark:         entry.Remark,
			Source:         entry.Source.String(),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	return payloads
}

type usagePayload struct {
	RequestID      string            `json:"request_id"`
	UserID         string            `json:"user_id"`
	Status         string            `json:"status"`
	ModelID        string            `json:"model_id"`
	FrozenAmount   coinledger.Amount `json:"frozen_amount"`
	EstimatedCost  coinledger.Amount `json:"estimated_cost"`
	ActualCost     coinledger.Amount `json:"actual_cost"`
	ReturnedAmount coinledger.Amount `json:"returned_amount"`
	InputTokens    int               `json:"input_tokens"`
	OutputTokens   int               `json:"output_tokens"`
	FrozenUnixUTC  int64             `json:"frozen_unix_utc"`
}

func usagePayloadFromRecord(record coinledger.FreezeRecord) usagePayload {
	returned := coinledger.NewAmount(decimal.Zero)
	if record.Status == coinledger.FreezeStatusSettled {
		returned = record.Amount.Sub(record.ActualCost)
	}
	return usagePayload{
		RequestID:      record.RequestID.String(),
		UserID:         record.UserID.String(),
		Status:         record.Status.String(),
		ModelID:        record.ModelID,
		FrozenAmount:   record.Amount,
		EstimatedCost:  record.EstimatedCost,
		ActualCost:     record.ActualCost,
		ReturnedAmount: returned,
		InputTokens:    record.InputTokens,
		OutputTokens:   record.OutputTokens,
		FrozenUnixUTC:  record.FrozenUnixUTC,
	}
}
