// Package allocation реализует правила допуска заявок к лимитам позиции.
//
// Пакет не обращается к хранилищу: все суммы и лимиты передаются снаружи,
// поэтому решение о допуске детерминировано и проверяется без БД.
// Атомарность снимка обеспечивает вызывающая сторона (транзакция
// с блокировкой строки позиции).
package allocation

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidQuantity возвращается, если запрошенное количество не положительно.
var ErrInvalidQuantity = errors.New("requested quantity must be greater than 0")

// Область превышенного лимита.
const (
	ScopeSection = "section"
	ScopeYearly  = "yearly"
)

// LimitExceededError описывает отказ в допуске из-за превышения лимита.
// Содержит все числа, нужные вызывающей стороне для отображения недостачи.
type LimitExceededError struct {
	Scope     string
	Section   string
	Limit     int64
	Committed int64
	Requested int64
}

// Overage возвращает величину превышения лимита.
func (e *LimitExceededError) Overage() int64 {
	return e.Committed + e.Requested - e.Limit
}

func (e *LimitExceededError) Error() string {
	if e.Scope == ScopeSection {
		return fmt.Sprintf(
			"section %s limit exceeded: limit %d, already requested %d, new request %d, would exceed by %d",
			e.Section, e.Limit, e.Committed, e.Requested, e.Overage(),
		)
	}
	return fmt.Sprintf(
		"yearly limit exceeded: effective limit %d, already requested %d, new request %d, would exceed by %d",
		e.Limit, e.Committed, e.Requested, e.Overage(),
	)
}

// AdmissionInput содержит снимок лимитов и зарезервированных количеств,
// относительно которого принимается решение о допуске заявки.
type AdmissionInput struct {
	Section          string
	SectionLimit     int64
	SectionCommitted int64
	YearlyLimit      int64
	GlobalLimit      int64
	TotalCommitted   int64
	Requested        int64
}

// AdmissionResult содержит итоговые количества после допуска заявки.
type AdmissionResult struct {
	SectionTotal   int64
	SectionLimit   int64
	YearlyTotal    int64
	EffectiveLimit int64
}

// EffectiveLimit возвращает действующий годовой лимит: более строгий
// из годового (EAR) и глобального.
func EffectiveLimit(yearlyLimit, globalLimit int64) int64 {
	if globalLimit < yearlyLimit {
		return globalLimit
	}
	return yearlyLimit
}

// CheckAdmission решает, помещается ли заявка в оставшуюся ёмкость.
// Правила проверяются по порядку, первое нарушенное прерывает проверку:
// положительность количества, секционный лимит, действующий годовой лимит.
// Зарезервированным считается количество всех непогашенных заявок,
// включая ожидающие рассмотрения.
func CheckAdmission(in AdmissionInput) (*AdmissionResult, error) {
	if in.Requested <= 0 {
		return nil, ErrInvalidQuantity
	}

	newSectionTotal := in.SectionCommitted + in.Requested
	if newSectionTotal > in.SectionLimit {
		return nil, &LimitExceededError{
			Scope:     ScopeSection,
			Section:   in.Section,
			Limit:     in.SectionLimit,
			Committed: in.SectionCommitted,
			Requested: in.Requested,
		}
	}

	effective := EffectiveLimit(in.YearlyLimit, in.GlobalLimit)
	newYearlyTotal := in.TotalCommitted + in.Requested
	if newYearlyTotal > effective {
		return nil, &LimitExceededError{
			Scope:     ScopeYearly,
			Limit:     effective,
			Committed: in.TotalCommitted,
			Requested: in.Requested,
		}
	}

	return &AdmissionResult{
		SectionTotal:   newSectionTotal,
		SectionLimit:   in.SectionLimit,
		YearlyTotal:    newYearlyTotal,
		EffectiveLimit: effective,
	}, nil
}

// PercentageUsed возвращает процент использования лимита, округлённый
// до двух знаков. Нулевой лимит даёт 0, а не ошибку деления.
func PercentageUsed(delivered, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Round(float64(delivered)/float64(limit)*100*100) / 100
}
