package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sand/solana-trading-bot/backend/internal/core/ports"
	"github.com/sand/solana-trading-bot/backend/internal/entities"
	"github.com/sand/solana-trading-bot/backend/internal/metrics"
	"github.com/sand/solana-trading-bot/backend/internal/usecases"
)

// HTTPHandler serves the read-only operator API. Nothing here mutates
// trades, users or wallets.
type HTTPHandler struct {
	logger  *slog.Logger
	trades  ports.TradeQueryService
	users   ports.UserService
	metrics *metrics.Metrics
	feed    *Manager
	auth    *AdminAuth

	runtime RuntimeInfo
	started time.Time
}

// RuntimeInfo is reported verbatim by the status endpoint.
type RuntimeInfo struct {
	Network string `json:"network"`
	DryRun  bool   `json:"dry_run"`
}

func NewHTTPHandler(
	logger *slog.Logger,
	trades ports.TradeQueryService,
	users ports.UserService,
	m *metrics.Metrics,
	feed *Manager,
	auth *AdminAuth,
	runtime RuntimeInfo,
) *HTTPHandler {
	return &HTTPHandler{
		logger:  logger,
		trades:  trades,
		users:   users,
		metrics: m,
		feed:    feed,
		auth:    auth,
		runtime: runtime,
		started: time.Now(),
	}
}

func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(h.auth.Middleware)
	admin.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	admin.HandleFunc("/users", h.ListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users/{userId:[0-9]+}", h.GetUser).Methods(http.MethodGet)
	admin.HandleFunc("/users/{userId:[0-9]+}/usage", h.GetUserUsage).Methods(http.MethodGet)
	admin.HandleFunc("/trades", h.ListTrades).Methods(http.MethodGet)
	admin.HandleFunc("/trades/{tradeId}", h.GetTrade).Methods(http.MethodGet)
}

func (h *HTTPHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"network":           h.runtime.Network,
		"dry_run":           h.runtime.DryRun,
		"uptime_seconds":    int64(time.Since(h.started).Seconds()),
		"websocket_clients": h.feed.Clients(),
	})
}

func (h *HTTPHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	users, err := h.users.ListUsers(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, r, "[List Users]", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (h *HTTPHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, _ := strconv.ParseInt(mux.Vars(r)["userId"], 10, 64)

	user, err := h.users.Get(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "[Get User]", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *HTTPHandler) GetUserUsage(w http.ResponseWriter, r *http.Request) {
	userID, _ := strconv.ParseInt(mux.Vars(r)["userId"], 10, 64)

	usage, err := h.users.Usage(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "[User Usage]", err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *HTTPHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := entities.TradeFilter{
		Status: entities.TradeStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		Limit:  limit,
		Offset: offset,
	}
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		filter.UserID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || filter.UserID <= 0 {
			writeError(w, http.StatusBadRequest, "user_id must be a positive integer")
			return
		}
	}

	trades, err := h.trades.ListTrades(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "[List Trades]", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades, "count": len(trades)})
}

func (h *HTTPHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	tradeID, err := uuid.Parse(mux.Vars(r)["tradeId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "trade id must be a uuid")
		return
	}

	trade, err := h.trades.Get(r.Context(), tradeID)
	if err != nil {
		h.fail(w, r, "[Get Trade]", err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// fail maps service errors onto status codes. Internal detail stays in the
// log.
func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, usecases.ErrInvalidIntent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, usecases.ErrTradeNotFound), errors.Is(err, usecases.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), op+" request failed", "error", err, "admin", AdminSubject(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pagination(r *http.Request) (limit, offset uint64, err error) {
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return 0, 0, errors.New("limit must be a non-negative integer")
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if offset, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
