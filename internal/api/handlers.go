package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotex/internal/auth"
	"github.com/xtrntr/spotex/internal/exchange"
	"github.com/xtrntr/spotex/internal/models"
	"github.com/xtrntr/spotex/internal/notify"
	"github.com/xtrntr/spotex/internal/ratelimit"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Hub         *notify.Hub
	Limiter     ratelimit.Limiter // optional; nil disables login throttling
	logger      *slog.Logger
	validate    *validator.Validate
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Exchange, authService *auth.AuthService, hub *notify.Hub, limiter ratelimit.Limiter, logger *slog.Logger) *Handler {
	return &Handler{
		Exchange:    ex,
		AuthService: authService,
		Hub:         hub,
		Limiter:     limiter,
		logger:      logger,
		validate:    validator.New(),
	}
}

type credentialsRequest struct {
	Username string `json:"username" validate:"required,max=50"`
	Password string `json:"password" validate:"required,max=72"`
}

type placeOrderRequest struct {
	Symbol string           `json:"symbol" validate:"required,oneof=BTC ETH"`
	Side   string           `json:"side" validate:"required,oneof=buy sell"`
	Price  *decimal.Decimal `json:"price" validate:"required"`
	Amount *decimal.Decimal `json:"amount" validate:"required"`
}

func formatValidationError(err error) map[string]string {
	out := make(map[string]string)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["request"] = err.Error()
		return out
	}
	for _, e := range verrs {
		out[strings.ToLower(e.Field())] = "failed on tag '" + e.Tag() + "'"
	}
	return out
}

// decodeAndValidate writes a 400 and returns false when the body is not a
// valid req.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if p, ok := req.(*placeOrderRequest); ok {
		p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
		p.Side = strings.ToLower(strings.TrimSpace(p.Side))
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"validation_errors": formatValidationError(err)})
		return false
	}
	return true
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if h.Limiter != nil {
		allowed, retryAfter, err := h.Limiter.Allow(r.Context(), "login:"+req.Username, time.Now())
		if err != nil {
			h.logger.Warn("login rate limiter failed", slog.Any("error", err))
		} else if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "Too many login attempts")
			return
		}
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		userID, err := h.AuthService.GetUserFromToken(auth.ExtractBearer(header))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
	})
}

// PlaceOrder reserves funds for a limit order and queues a match attempt
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req placeOrderRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	order, err := h.Exchange.PlaceOrder(r.Context(), exchange.PlaceOrderRequest{
		UserID: userID,
		Symbol: models.Symbol(req.Symbol),
		Side:   models.Side(req.Side),
		Price:  *req.Price,
		Amount: *req.Amount,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// GetOrderBook returns the open orders for ?symbol=
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := models.Symbol(strings.ToUpper(r.URL.Query().Get("symbol")))
	book, err := h.Exchange.OrderBook(r.Context(), symbol)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// CancelOrder cancels an open order owned by the caller
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || orderID <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	if err := h.Exchange.CancelOrder(r.Context(), orderID, userID); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Order cancelled",
		"order_id": orderID,
	})
}

// GetUserOrders retrieves the caller's orders, newest first
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orders, err := h.Exchange.UserOrders(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, h.logger, fmt.Errorf("failed to retrieve orders: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetUserTrades retrieves the caller's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	trades, err := h.Exchange.UserTrades(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, h.logger, fmt.Errorf("failed to retrieve trades: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetProfile returns the caller's USD balance and holdings
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	wallet, err := h.Exchange.Wallet(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// ServeWS upgrades to a websocket that receives the caller's match
// notifications. The token is read from the Authorization header or ?token=.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractBearer(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, err := h.AuthService.GetUserFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}
	h.Hub.Serve(userID, w, r)
}
