// Package model содержит доменные сущности системы заявок на материалы.
package model

import "time"

// Product представляет номенклатурную позицию (PL Number) с годовым
// и посекционными лимитами.
type Product struct {
	ID            int64
	Code          string
	Name          string
	YearlyLimit   int64
	GlobalLimit   int64
	SectionLimits map[string]int64
	CreatedAt     time.Time
	UpdatedAt     *time.Time
}

// RequestStatus описывает статус заявки на материалы.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusApproved  RequestStatus = "approved"
	RequestStatusDelivered RequestStatus = "delivered"
)

// Request описывает заявку секции на получение материалов по позиции.
// Поле RequestedQty после создания не изменяется: заявка резервирует
// количество независимо от дальнейшего статуса.
type Request struct {
	ID            int64
	ProductCode   string
	Section       string
	RequestedQty  int64
	RequestedBy   string
	RequestDate   time.Time
	Status        RequestStatus
	DeliveredQty  *int64
	DeliveredDate *time.Time
	ApprovedBy    *string
	ApprovedAt    *time.Time
	CreatedAt     time.Time
}

// UserRole описывает роль пользователя системы.
type UserRole string

const (
	UserRoleAdmin  UserRole = "admin"
	UserRoleNormal UserRole = "normal"
)

// User представляет пользователя системы по табельному номеру.
type User struct {
	ID           int64
	EmpID        string
	PasswordHash []byte
	Role         UserRole
	CreatedBy    *string
	CreatedAt    time.Time
}

// SectionUsage содержит использование лимита в одном измерении:
// лимит, согласовано, выдано, остаток и процент использования.
type SectionUsage struct {
	Limit          int64   `json:"limit"`
	Approved       int64   `json:"approved"`
	Delivered      int64   `json:"delivered"`
	Remaining      int64   `json:"remaining"`
	PercentageUsed float64 `json:"percentage_used"`
}

// ProductSummary содержит сводку использования лимитов позиции
// по секциям и по году в целом.
type ProductSummary struct {
	Code        string                  `json:"pl_no"`
	Name        string                  `json:"product_name"`
	YearlyLimit int64                   `json:"ear"`
	GlobalLimit int64                   `json:"global_limit"`
	Sections    map[string]SectionUsage `json:"sections"`
	Yearly      SectionUsage            `json:"yearly"`
}
