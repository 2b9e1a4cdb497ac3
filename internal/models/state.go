package models

import "fmt"

// EmergencyState — единственное состояние тревоги устройства.
// Раньше здесь жили два независимых флага (bool + строка статуса),
// которые могли разъехаться; теперь одно enum-значение и явные переходы.
type EmergencyState int32

const (
	StateNormal EmergencyState = iota
	StateSOSActive
)

func (s EmergencyState) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateSOSActive:
		return "SOS_ACTIVE"
	default:
		return fmt.Sprintf("EmergencyState(%d)", int32(s))
	}
}

// CanTransitionTo: допустимы только NORMAL -> SOS_ACTIVE -> NORMAL.
func (s EmergencyState) CanTransitionTo(next EmergencyState) bool {
	switch s {
	case StateNormal:
		return next == StateSOSActive
	case StateSOSActive:
		return next == StateNormal
	default:
		return false
	}
}

// SessionStatus — статус строки трекинга, который соответствует состоянию.
func (s EmergencyState) SessionStatus() string {
	if s == StateSOSActive {
		return SessionStatusSOS
	}
	return SessionStatusActive
}
