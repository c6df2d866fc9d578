// Package validation содержит функции нормализации входных данных.
package validation

import "strings"

// NormalizeCode приводит номер позиции (PL No.) к каноническому виду:
// без краевых пробелов, в верхнем регистре.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeSection приводит ключ секции к каноническому виду.
func NormalizeSection(section string) string {
	return strings.ToUpper(strings.TrimSpace(section))
}

// NormalizeEmpID приводит табельный номер к каноническому виду.
func NormalizeEmpID(empID string) string {
	return strings.ToUpper(strings.TrimSpace(empID))
}

// TrimName убирает краевые пробелы из отображаемого наименования.
func TrimName(name string) string {
	return strings.TrimSpace(name)
}
