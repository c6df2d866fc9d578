package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/plrequest-system/internal/allocation"
	"github.com/mmeshcher/plrequest-system/internal/middleware"
	"github.com/mmeshcher/plrequest-system/internal/model"
	"github.com/mmeshcher/plrequest-system/internal/repository"
	"github.com/mmeshcher/plrequest-system/internal/service"
)

type stubService struct {
	authUser *model.User
	authErr  error

	registeredProduct *model.Product
	registerErr       error

	updateLimitsErr error

	product    *model.Product
	productErr error

	products    []model.Product
	productsErr error

	summary    *model.ProductSummary
	summaryErr error

	createdRequest   *model.Request
	admissionRes     *allocation.AdmissionResult
	createRequestErr error

	requests    []model.Request
	requestsErr error

	approveErr  error
	deliveryErr error

	createdUser   *model.User
	createUserErr error

	users    []model.User
	usersErr error

	passwordErr error
}

func (s *stubService) AuthenticateUser(ctx context.Context, empID, password string) (*model.User, error) {
	return s.authUser, s.authErr
}

func (s *stubService) RegisterProduct(ctx context.Context, spec service.ProductSpec) (*model.Product, error) {
	return s.registeredProduct, s.registerErr
}

func (s *stubService) UpdateProductLimits(ctx context.Context, code string, yearlyLimit, globalLimit int64, sectionLimits map[string]int64) error {
	return s.updateLimitsErr
}

func (s *stubService) GetProduct(ctx context.Context, code string) (*model.Product, error) {
	return s.product, s.productErr
}

func (s *stubService) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.products, s.productsErr
}

func (s *stubService) GetProductSummary(ctx context.Context, code string) (*model.ProductSummary, error) {
	return s.summary, s.summaryErr
}

func (s *stubService) CreateRequest(ctx context.Context, productCode, section string, qty int64, empID string, requestDate time.Time) (*model.Request, *allocation.AdmissionResult, error) {
	return s.createdRequest, s.admissionRes, s.createRequestErr
}

func (s *stubService) ApproveRequest(ctx context.Context, id int64, approverEmpID string) error {
	return s.approveErr
}

func (s *stubService) RecordDelivery(ctx context.Context, id, deliveredQty int64, deliveredDate time.Time) error {
	return s.deliveryErr
}

func (s *stubService) ListRequests(ctx context.Context, productCode string) ([]model.Request, error) {
	return s.requests, s.requestsErr
}

func (s *stubService) CreateUser(ctx context.Context, empID, password string, role model.UserRole, createdBy string) (*model.User, error) {
	return s.createdUser, s.createUserErr
}

func (s *stubService) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.users, s.usersErr
}

func (s *stubService) UpdateUserPassword(ctx context.Context, empID, newPassword string) error {
	return s.passwordErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authCookie(t *testing.T, h *Handler, identity middleware.Identity) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, identity)

	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}
	return cookies[0]
}

func TestLogin_Success(t *testing.T) {
	svc := &stubService{
		authUser: &model.User{EmpID: "EMP01", Role: model.UserRoleAdmin},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{EmpID: "emp01", Password: "pass"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("login must set the auth cookie")
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{authErr: service.ErrInvalidCredentials}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{EmpID: "emp01", Password: "bad"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestCreateRequest_Unauthenticated(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	body, _ := json.Marshal(createRequestRequest{PLNo: "PL-100", Section: "A", Quantity: 10})
	req := httptest.NewRequest(http.MethodPost, "/api/requests", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestCreateRequest_Success(t *testing.T) {
	now := time.Now()
	svc := &stubService{
		createdRequest: &model.Request{
			ID:           5,
			ProductCode:  "PL-100",
			Section:      "A",
			RequestedQty: 10,
			RequestedBy:  "EMP01",
			RequestDate:  now,
			Status:       model.RequestStatusPending,
		},
		admissionRes: &allocation.AdmissionResult{
			SectionTotal:   10,
			SectionLimit:   250,
			YearlyTotal:    10,
			EffectiveLimit: 1000,
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(createRequestRequest{PLNo: "PL-100", Section: "A", Quantity: 10})
	req := httptest.NewRequest(http.MethodPost, "/api/requests", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, middleware.Identity{EmpID: "EMP01", Role: model.UserRoleNormal}))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp createRequestResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Request.ID != 5 || resp.Request.Status != "pending" {
		t.Fatalf("unexpected request in response: %+v", resp.Request)
	}
	if resp.SectionTotal != 10 || resp.SectionLimit != 250 {
		t.Fatalf("unexpected totals in response: %+v", resp)
	}
}

func TestCreateRequest_LimitExceeded(t *testing.T) {
	svc := &stubService{
		createRequestErr: &allocation.LimitExceededError{
			Scope:     allocation.ScopeSection,
			Section:   "A",
			Limit:     250,
			Committed: 250,
			Requested: 1,
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(createRequestRequest{PLNo: "PL-100", Section: "A", Quantity: 1})
	req := httptest.NewRequest(http.MethodPost, "/api/requests", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, middleware.Identity{EmpID: "EMP01", Role: model.UserRoleNormal}))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	var resp limitErrorResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Scope != allocation.ScopeSection || resp.Section != "A" {
		t.Fatalf("unexpected scope in response: %+v", resp)
	}
	if resp.Limit != 250 || resp.Committed != 250 || resp.Requested != 1 || resp.Overage != 1 {
		t.Fatalf("response must carry the exact shortfall: %+v", resp)
	}
}

func TestCreateProduct_ForbiddenForNormalUser(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	body, _ := json.Marshal(productRequest{PLNo: "PL-100", ProductName: "Bearing", EAR: 100, GlobalLimit: 100})
	req := httptest.NewRequest(http.MethodPost, "/api/products", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, middleware.Identity{EmpID: "EMP01", Role: model.UserRoleNormal}))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
}

func TestCreateProduct_InvalidLimits(t *testing.T) {
	svc := &stubService{registerErr: service.ErrInvalidLimits}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(productRequest{
		PLNo: "PL-100", ProductName: "Bearing", EAR: 1000, GlobalLimit: 1000,
		SectionLimits: map[string]int64{"A": 600, "B": 600},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/products", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, middleware.Identity{EmpID: "ADMIN", Role: model.UserRoleAdmin}))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestApproveRequest_NotPending(t *testing.T) {
	svc := &stubService{approveErr: repository.ErrInvalidStateTransition}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/requests/7/approve", nil)
	req.AddCookie(authCookie(t, h, middleware.Identity{EmpID: "ADMIN", Role: model.UserRoleAdmin}))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestRecordDelivery_PartialDelivery(t *testing.T) {
	svc := &stubService{deliveryErr: repository.ErrInvalidStateTransition}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(deliveryRequest{Quantity: 5})
	req := httptest.NewRequest(http.MethodPost, "/api/requests/7/delivery", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, middleware.Identity{EmpID: "EMP01", Role: model.UserRoleNormal}))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestListRequests_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{requests: []model.Request{}})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/requests", nil)
	req.AddCookie(authCookie(t, h, middleware.Identity{EmpID: "EMP01", Role: model.UserRoleNormal}))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNoContent)
	}
}

func TestGetProductSummary_NotFound(t *testing.T) {
	svc := &stubService{summaryErr: repository.ErrProductNotFound}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/products/PL-404/summary", nil)
	req.AddCookie(authCookie(t, h, middleware.Identity{EmpID: "EMP01", Role: model.UserRoleNormal}))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNotFound)
	}
}
