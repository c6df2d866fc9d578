// Package handler содержит HTTP-обработчики API системы заявок на материалы.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/plrequest-system/internal/allocation"
	"github.com/mmeshcher/plrequest-system/internal/middleware"
	"github.com/mmeshcher/plrequest-system/internal/model"
	"github.com/mmeshcher/plrequest-system/internal/repository"
	"github.com/mmeshcher/plrequest-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AuthenticateUser(ctx context.Context, empID, password string) (*model.User, error)
	RegisterProduct(ctx context.Context, spec service.ProductSpec) (*model.Product, error)
	UpdateProductLimits(ctx context.Context, code string, yearlyLimit, globalLimit int64, sectionLimits map[string]int64) error
	GetProduct(ctx context.Context, code string) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	GetProductSummary(ctx context.Context, code string) (*model.ProductSummary, error)
	CreateRequest(ctx context.Context, productCode, section string, qty int64, empID string, requestDate time.Time) (*model.Request, *allocation.AdmissionResult, error)
	ApproveRequest(ctx context.Context, id int64, approverEmpID string) error
	RecordDelivery(ctx context.Context, id, deliveredQty int64, deliveredDate time.Time) error
	ListRequests(ctx context.Context, productCode string) ([]model.Request, error)
	CreateUser(ctx context.Context, empID, password string, role model.UserRole, createdBy string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	UpdateUserPassword(ctx context.Context, empID, newPassword string) error
}

// Handler реализует HTTP-обработчики API системы заявок.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// limitErrorResponse передаёт вызывающей стороне точную величину недостачи.
type limitErrorResponse struct {
	Error     string `json:"error"`
	Scope     string `json:"scope"`
	Section   string `json:"section,omitempty"`
	Limit     int64  `json:"limit"`
	Committed int64  `json:"committed"`
	Requested int64  `json:"requested"`
	Overage   int64  `json:"overage"`
}

type credentialsRequest struct {
	EmpID    string `json:"emp_id"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.EmpID == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.EmpID, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, middleware.Identity{EmpID: user.EmpID, Role: user.Role})
	writeJSON(w, http.StatusOK, map[string]string{
		"emp_id": user.EmpID,
		"role":   string(user.Role),
	})
}

type productRequest struct {
	PLNo          string           `json:"pl_no"`
	ProductName   string           `json:"product_name"`
	EAR           int64            `json:"ear"`
	GlobalLimit   int64            `json:"global_limit"`
	SectionLimits map[string]int64 `json:"section_limits"`
}

type productResponse struct {
	PLNo          string           `json:"pl_no"`
	ProductName   string           `json:"product_name"`
	EAR           int64            `json:"ear"`
	GlobalLimit   int64            `json:"global_limit"`
	SectionLimits map[string]int64 `json:"section_limits"`
	CreatedAt     string           `json:"created_at"`
}

func toProductResponse(p *model.Product) productResponse {
	return productResponse{
		PLNo:          p.Code,
		ProductName:   p.Name,
		EAR:           p.YearlyLimit,
		GlobalLimit:   p.GlobalLimit,
		SectionLimits: p.SectionLimits,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
}

// CreateProduct регистрирует новую позицию.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	product, err := h.service.RegisterProduct(r.Context(), service.ProductSpec{
		Code:          req.PLNo,
		Name:          req.ProductName,
		YearlyLimit:   req.EAR,
		GlobalLimit:   req.GlobalLimit,
		SectionLimits: req.SectionLimits,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrInvalidLimits):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrProductExists):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("create product error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, toProductResponse(product))
}

type productLimitsRequest struct {
	EAR           int64            `json:"ear"`
	GlobalLimit   int64            `json:"global_limit"`
	SectionLimits map[string]int64 `json:"section_limits"`
}

// UpdateProductLimits заменяет лимиты позиции новыми значениями.
func (h *Handler) UpdateProductLimits(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var req productLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.UpdateProductLimits(r.Context(), code, req.EAR, req.GlobalLimit, req.SectionLimits)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidLimits):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrProductNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			h.logger.Error("update product limits error", zap.Error(err), zap.String("code", code))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetProduct возвращает позицию по номеру.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	product, err := h.service.GetProduct(r.Context(), code)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("get product error", zap.Error(err), zap.String("code", code))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toProductResponse(product))
}

// ListProducts возвращает все позиции.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.logger.Error("list products error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for i := range products {
		resp = append(resp, toProductResponse(&products[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetProductSummary возвращает сводку использования лимитов позиции.
func (h *Handler) GetProductSummary(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	summary, err := h.service.GetProductSummary(r.Context(), code)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("get product summary error", zap.Error(err), zap.String("code", code))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

type createRequestRequest struct {
	PLNo        string `json:"pl_no"`
	Section     string `json:"section"`
	Quantity    int64  `json:"quantity"`
	RequestDate string `json:"request_date,omitempty"`
}

type requestResponse struct {
	ID            int64   `json:"id"`
	PLNo          string  `json:"pl_no"`
	Section       string  `json:"section"`
	RequestedQty  int64   `json:"requested_qty"`
	RequestedBy   string  `json:"requested_by,omitempty"`
	RequestDate   string  `json:"request_date"`
	Status        string  `json:"status"`
	DeliveredQty  *int64  `json:"delivered_qty,omitempty"`
	DeliveredDate *string `json:"delivered_date,omitempty"`
	ApprovedBy    *string `json:"approved_by,omitempty"`
	ApprovedAt    *string `json:"approved_at,omitempty"`
}

func toRequestResponse(req *model.Request) requestResponse {
	resp := requestResponse{
		ID:           req.ID,
		PLNo:         req.ProductCode,
		Section:      req.Section,
		RequestedQty: req.RequestedQty,
		RequestedBy:  req.RequestedBy,
		RequestDate:  req.RequestDate.Format(time.RFC3339),
		Status:       string(req.Status),
		DeliveredQty: req.DeliveredQty,
		ApprovedBy:   req.ApprovedBy,
	}
	if req.DeliveredDate != nil {
		v := req.DeliveredDate.Format(time.RFC3339)
		resp.DeliveredDate = &v
	}
	if req.ApprovedAt != nil {
		v := req.ApprovedAt.Format(time.RFC3339)
		resp.ApprovedAt = &v
	}
	return resp
}

type createRequestResponse struct {
	Request        requestResponse `json:"request"`
	SectionTotal   int64           `json:"section_total"`
	SectionLimit   int64           `json:"section_limit"`
	YearlyTotal    int64           `json:"yearly_total"`
	EffectiveLimit int64           `json:"effective_limit"`
}

// CreateRequest создаёт заявку от имени текущего пользователя.
// Заявка сохраняется только после успешной проверки допуска.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var requestDate time.Time
	if req.RequestDate != "" {
		parsed, err := time.Parse(time.RFC3339, req.RequestDate)
		if err != nil {
			http.Error(w, "invalid request_date, expected RFC3339", http.StatusBadRequest)
			return
		}
		requestDate = parsed
	}

	created, res, err := h.service.CreateRequest(r.Context(), req.PLNo, req.Section, req.Quantity, identity.EmpID, requestDate)
	if err != nil {
		var limitErr *allocation.LimitExceededError
		switch {
		case errors.As(err, &limitErr):
			writeJSON(w, http.StatusConflict, limitErrorResponse{
				Error:     limitErr.Error(),
				Scope:     limitErr.Scope,
				Section:   limitErr.Section,
				Limit:     limitErr.Limit,
				Committed: limitErr.Committed,
				Requested: limitErr.Requested,
				Overage:   limitErr.Overage(),
			})
		case errors.Is(err, allocation.ErrInvalidQuantity):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrProductNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, repository.ErrInvalidSection):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("create request error", zap.Error(err), zap.String("pl_no", req.PLNo))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, createRequestResponse{
		Request:        toRequestResponse(created),
		SectionTotal:   res.SectionTotal,
		SectionLimit:   res.SectionLimit,
		YearlyTotal:    res.YearlyTotal,
		EffectiveLimit: res.EffectiveLimit,
	})
}

// ListRequests возвращает заявки, опционально отфильтрованные по позиции (?pl_no=).
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.service.ListRequests(r.Context(), r.URL.Query().Get("pl_no"))
	if err != nil {
		h.logger.Error("list requests error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(requests) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]requestResponse, 0, len(requests))
	for i := range requests {
		resp = append(resp, toRequestResponse(&requests[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

func requestIDFromURL(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// ApproveRequest согласует ожидающую заявку от имени текущего администратора.
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := requestIDFromURL(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ApproveRequest(r.Context(), id, identity.EmpID); err != nil {
		switch {
		case errors.Is(err, repository.ErrRequestNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, repository.ErrInvalidStateTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("approve request error", zap.Error(err), zap.Int64("id", id))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type deliveryRequest struct {
	Quantity    int64  `json:"quantity"`
	DeliveredOn string `json:"delivered_on,omitempty"`
}

// RecordDelivery фиксирует полную поставку по согласованной заявке.
func (h *Handler) RecordDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := requestIDFromURL(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req deliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var deliveredDate time.Time
	if req.DeliveredOn != "" {
		parsed, err := time.Parse(time.RFC3339, req.DeliveredOn)
		if err != nil {
			http.Error(w, "invalid delivered_on, expected RFC3339", http.StatusBadRequest)
			return
		}
		deliveredDate = parsed
	}

	if err := h.service.RecordDelivery(r.Context(), id, req.Quantity, deliveredDate); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrRequestNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, repository.ErrInvalidStateTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("record delivery error", zap.Error(err), zap.Int64("id", id))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type createUserRequest struct {
	EmpID    string `json:"emp_id"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type userResponse struct {
	EmpID     string `json:"emp_id"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// CreateUser создаёт нового пользователя (только для администраторов).
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.CreateUser(r.Context(), req.EmpID, req.Password, model.UserRole(req.Role), identity.EmpID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrUserExists):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("create user error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{
		EmpID:     user.EmpID,
		Role:      string(user.Role),
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
	})
}

// ListUsers возвращает всех пользователей (только для администраторов).
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("list users error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, userResponse{
			EmpID:     u.EmpID,
			Role:      string(u.Role),
			CreatedAt: u.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type passwordRequest struct {
	Password string `json:"password"`
}

// UpdateUserPassword заменяет пароль пользователя (только для администраторов).
func (h *Handler) UpdateUserPassword(w http.ResponseWriter, r *http.Request) {
	empID := chi.URLParam(r, "empID")

	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateUserPassword(r.Context(), empID, req.Password); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			h.logger.Error("update user password error", zap.Error(err), zap.String("empID", empID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}
