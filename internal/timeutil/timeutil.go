// Package timeutil задаёт единую временную зону для полей аудита.
package timeutil

import "time"

// IST — зона индийского стандартного времени (UTC+5:30), в которой
// система фиксирует все даты заявок и поставок.
var IST = time.FixedZone("IST", 5*3600+30*60)

// Now возвращает текущее время в зоне IST.
func Now() time.Time {
	return time.Now().In(IST)
}

// ToIST приводит произвольное время к зоне IST.
func ToIST(t time.Time) time.Time {
	return t.In(IST)
}
