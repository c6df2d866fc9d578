// Package service реализует бизнес-логику системы заявок на материалы.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/plrequest-system/internal/allocation"
	"github.com/mmeshcher/plrequest-system/internal/model"
	"github.com/mmeshcher/plrequest-system/internal/repository"
	"github.com/mmeshcher/plrequest-system/internal/timeutil"
	"github.com/mmeshcher/plrequest-system/internal/validation"
)

// ErrInvalidLimits возвращается при несогласованной конфигурации лимитов позиции.
var (
	ErrInvalidLimits = errors.New("invalid limit configuration")
	// ErrInvalidInput возвращается при пустых или некорректных входных полях.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredentials возвращается при неверной паре табельный номер/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateProduct(ctx context.Context, p *model.Product) (int64, error)
	GetProduct(ctx context.Context, code string) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	UpdateProductLimits(ctx context.Context, code string, yearlyLimit, globalLimit int64, sectionLimits map[string]int64, updatedAt time.Time) error
	CreateRequest(ctx context.Context, productCode, section string, qty int64, empID string, requestDate, createdAt time.Time) (*model.Request, *allocation.AdmissionResult, error)
	GetRequestByID(ctx context.Context, id int64) (*model.Request, error)
	ListRequests(ctx context.Context, productCode string) ([]model.Request, error)
	ApproveRequest(ctx context.Context, id int64, approverEmpID string, approvedAt time.Time) error
	RecordDelivery(ctx context.Context, id, deliveredQty int64, deliveredDate time.Time) error
	GetSectionUsage(ctx context.Context, productCode string) (map[string]repository.SectionTotals, error)
	CreateUser(ctx context.Context, empID string, passwordHash []byte, role string, createdBy *string, createdAt time.Time) (int64, error)
	GetUserByEmpID(ctx context.Context, empID string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	UpdateUserPassword(ctx context.Context, empID string, passwordHash []byte) error
}

// Service содержит бизнес-логику системы заявок на материалы.
type Service struct {
	repo Repository
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ProductSpec описывает параметры регистрируемой позиции.
type ProductSpec struct {
	Code          string
	Name          string
	YearlyLimit   int64
	GlobalLimit   int64
	SectionLimits map[string]int64
}

// validateLimits проверяет согласованность конфигурации лимитов.
// Сверка с уже зарезервированными количествами намеренно не выполняется.
func validateLimits(yearlyLimit, globalLimit int64, sectionLimits map[string]int64) error {
	if yearlyLimit <= 0 {
		return fmt.Errorf("%w: EAR must be greater than 0", ErrInvalidLimits)
	}
	if globalLimit <= 0 {
		return fmt.Errorf("%w: global limit must be greater than 0", ErrInvalidLimits)
	}
	if globalLimit > yearlyLimit {
		return fmt.Errorf("%w: global limit (%d) cannot exceed EAR (%d)", ErrInvalidLimits, globalLimit, yearlyLimit)
	}
	if len(sectionLimits) == 0 {
		return fmt.Errorf("%w: at least one section limit must be defined", ErrInvalidLimits)
	}

	var total int64
	for section, limit := range sectionLimits {
		if section == "" {
			return fmt.Errorf("%w: section key cannot be empty", ErrInvalidLimits)
		}
		if limit < 0 {
			return fmt.Errorf("%w: section %s limit cannot be negative", ErrInvalidLimits, section)
		}
		total += limit
	}

	if total > globalLimit {
		return fmt.Errorf("%w: sum of section limits (%d) cannot exceed global limit (%d)",
			ErrInvalidLimits, total, globalLimit)
	}

	return nil
}

func normalizeSectionLimits(sectionLimits map[string]int64) map[string]int64 {
	normalized := make(map[string]int64, len(sectionLimits))
	for section, limit := range sectionLimits {
		normalized[validation.NormalizeSection(section)] = limit
	}
	return normalized
}

// RegisterProduct регистрирует новую позицию после проверки всех инвариантов лимитов.
func (s *Service) RegisterProduct(ctx context.Context, spec ProductSpec) (*model.Product, error) {
	code := validation.NormalizeCode(spec.Code)
	if code == "" {
		return nil, fmt.Errorf("%w: PL No. cannot be empty", ErrInvalidInput)
	}

	name := validation.TrimName(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: product name cannot be empty", ErrInvalidInput)
	}

	sectionLimits := normalizeSectionLimits(spec.SectionLimits)
	if err := validateLimits(spec.YearlyLimit, spec.GlobalLimit, sectionLimits); err != nil {
		return nil, err
	}

	product := &model.Product{
		Code:          code,
		Name:          name,
		YearlyLimit:   spec.YearlyLimit,
		GlobalLimit:   spec.GlobalLimit,
		SectionLimits: sectionLimits,
		CreatedAt:     timeutil.Now(),
	}

	id, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return nil, err
	}
	product.ID = id

	return product, nil
}

// UpdateProductLimits заменяет лимиты позиции новыми значениями.
// Инварианты проверяются против новых значений, а не против текущего
// использования: администратор вправе ужесточить лимиты ниже уже
// зарезервированного количества, дальнейшие заявки в этом измерении
// будут блокироваться при допуске.
func (s *Service) UpdateProductLimits(ctx context.Context, code string, yearlyLimit, globalLimit int64, sectionLimits map[string]int64) error {
	normalized := normalizeSectionLimits(sectionLimits)
	if err := validateLimits(yearlyLimit, globalLimit, normalized); err != nil {
		return err
	}

	return s.repo.UpdateProductLimits(ctx, validation.NormalizeCode(code), yearlyLimit, globalLimit, normalized, timeutil.Now())
}

// GetProduct возвращает позицию по номеру.
func (s *Service) GetProduct(ctx context.Context, code string) (*model.Product, error) {
	return s.repo.GetProduct(ctx, validation.NormalizeCode(code))
}

// ListProducts возвращает все зарегистрированные позиции.
func (s *Service) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.repo.ListProducts(ctx)
}

// CreateRequest проводит заявку через проверку допуска и сохраняет её.
// Заявка создаётся только если проходят все проверки; отказ не оставляет
// никаких следов в хранилище.
func (s *Service) CreateRequest(ctx context.Context, productCode, section string, qty int64, empID string, requestDate time.Time) (*model.Request, *allocation.AdmissionResult, error) {
	if qty <= 0 {
		return nil, nil, allocation.ErrInvalidQuantity
	}

	if requestDate.IsZero() {
		requestDate = timeutil.Now()
	}

	return s.repo.CreateRequest(ctx,
		validation.NormalizeCode(productCode),
		validation.NormalizeSection(section),
		qty,
		validation.NormalizeEmpID(empID),
		requestDate,
		timeutil.Now(),
	)
}

// ApproveRequest согласует ожидающую заявку.
func (s *Service) ApproveRequest(ctx context.Context, id int64, approverEmpID string) error {
	approver := validation.NormalizeEmpID(approverEmpID)
	if approver == "" {
		return fmt.Errorf("%w: approver emp ID cannot be empty", ErrInvalidInput)
	}

	return s.repo.ApproveRequest(ctx, id, approver, timeutil.Now())
}

// RecordDelivery фиксирует полную поставку по согласованной заявке.
// Выданное количество не влияет на проверку допуска: лимиты считаются
// по запрошенным количествам.
func (s *Service) RecordDelivery(ctx context.Context, id, deliveredQty int64, deliveredDate time.Time) error {
	if deliveredQty <= 0 {
		return fmt.Errorf("%w: delivered count must be greater than 0", ErrInvalidInput)
	}

	if deliveredDate.IsZero() {
		deliveredDate = timeutil.Now()
	}

	return s.repo.RecordDelivery(ctx, id, deliveredQty, deliveredDate)
}

// GetRequest возвращает заявку по идентификатору.
func (s *Service) GetRequest(ctx context.Context, id int64) (*model.Request, error) {
	return s.repo.GetRequestByID(ctx, id)
}

// ListRequests возвращает заявки, опционально отфильтрованные по позиции.
func (s *Service) ListRequests(ctx context.Context, productCode string) ([]model.Request, error) {
	return s.repo.ListRequests(ctx, validation.NormalizeCode(productCode))
}

// GetProductSummary собирает сводку использования лимитов позиции.
// Все суммы пересчитываются из хранилища при каждом вызове.
func (s *Service) GetProductSummary(ctx context.Context, code string) (*model.ProductSummary, error) {
	product, err := s.repo.GetProduct(ctx, validation.NormalizeCode(code))
	if err != nil {
		return nil, err
	}

	usage, err := s.repo.GetSectionUsage(ctx, product.Code)
	if err != nil {
		return nil, err
	}

	summary := &model.ProductSummary{
		Code:        product.Code,
		Name:        product.Name,
		YearlyLimit: product.YearlyLimit,
		GlobalLimit: product.GlobalLimit,
		Sections:    make(map[string]model.SectionUsage, len(product.SectionLimits)),
	}

	var totalApproved, totalDelivered int64
	for section, limit := range product.SectionLimits {
		totals := usage[section]
		summary.Sections[section] = model.SectionUsage{
			Limit:          limit,
			Approved:       totals.Approved,
			Delivered:      totals.Delivered,
			Remaining:      limit - totals.Delivered,
			PercentageUsed: allocation.PercentageUsed(totals.Delivered, limit),
		}
		totalApproved += totals.Approved
		totalDelivered += totals.Delivered
	}

	effective := allocation.EffectiveLimit(product.YearlyLimit, product.GlobalLimit)
	summary.Yearly = model.SectionUsage{
		Limit:          effective,
		Approved:       totalApproved,
		Delivered:      totalDelivered,
		Remaining:      effective - totalDelivered,
		PercentageUsed: allocation.PercentageUsed(totalDelivered, effective),
	}

	return summary, nil
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (s *Service) CreateUser(ctx context.Context, empID, password string, role model.UserRole, createdBy string) (*model.User, error) {
	id := validation.NormalizeEmpID(empID)
	if id == "" {
		return nil, fmt.Errorf("%w: emp ID cannot be empty", ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
	}
	if role != model.UserRoleAdmin && role != model.UserRoleNormal {
		return nil, fmt.Errorf("%w: user role must be 'admin' or 'normal'", ErrInvalidInput)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	var creator *string
	if v := validation.NormalizeEmpID(createdBy); v != "" {
		creator = &v
	}

	createdAt := timeutil.Now()
	userID, err := s.repo.CreateUser(ctx, id, hash, string(role), creator, createdAt)
	if err != nil {
		return nil, err
	}

	return &model.User{
		ID:        userID,
		EmpID:     id,
		Role:      role,
		CreatedBy: creator,
		CreatedAt: createdAt,
	}, nil
}

// AuthenticateUser проверяет табельный номер и пароль пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, empID, password string) (*model.User, error) {
	u, err := s.repo.GetUserByEmpID(ctx, validation.NormalizeEmpID(empID))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// ListUsers возвращает всех пользователей системы.
func (s *Service) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.repo.ListUsers(ctx)
}

// UpdateUserPassword заменяет пароль пользователя.
func (s *Service) UpdateUserPassword(ctx context.Context, empID, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("%w: new password cannot be empty", ErrInvalidInput)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.repo.UpdateUserPassword(ctx, validation.NormalizeEmpID(empID), hash)
}
