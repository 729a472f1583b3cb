package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AlertKind is the closed set of security alert types
type AlertKind uint8

const (
	alertKindUnknown AlertKind = iota
	AlertLockoutEntered
	AlertNewDevice
	AlertFailureBurst
	AlertHighRiskLogin
	AlertCodeExhausted
	AlertPasswordChanged
	AlertMFAEnabled
	AlertMFADisabled
	alertKindEnd
)

var alertKindNames = [...]string{
	alertKindUnknown:     "unknown",
	AlertLockoutEntered:  "lockout_entered",
	AlertNewDevice:       "new_device",
	AlertFailureBurst:    "failure_burst",
	AlertHighRiskLogin:   "high_risk_login",
	AlertCodeExhausted:   "code_exhausted",
	AlertPasswordChanged: "password_changed",
	AlertMFAEnabled:      "mfa_enabled",
	AlertMFADisabled:     "mfa_disabled",
}

// AlertKinds lists every valid kind in declaration order
func AlertKinds() []AlertKind {
	kinds := make([]AlertKind, 0, alertKindEnd-1)
	for k := alertKindUnknown + 1; k < alertKindEnd; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Valid reports whether k is one of the declared kinds
func (k AlertKind) Valid() bool {
	return k > alertKindUnknown && k < alertKindEnd
}

func (k AlertKind) String() string {
	if !k.Valid() {
		return alertKindNames[alertKindUnknown]
	}
	return alertKindNames[k]
}

// ParseAlertKind maps a stored name back to its kind
func ParseAlertKind(s string) (AlertKind, error) {
	for k := alertKindUnknown + 1; k < alertKindEnd; k++ {
		if alertKindNames[k] == s {
			return k, nil
		}
	}
	return alertKindUnknown, fmt.Errorf("unknown alert kind %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (k AlertKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid alert kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AlertKind) UnmarshalText(text []byte) error {
	parsed, err := ParseAlertKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// SecurityAlert is a derived notification record. Only Acknowledged changes after creation.
type SecurityAlert struct {
	ID             string        `json:"id"`
	AccountID      string        `json:"account_id"`
	Kind           AlertKind     `json:"kind"`
	Metadata       AlertMetadata `json:"metadata"`
	Acknowledged   bool          `json:"acknowledged"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// AlertMetadata holds additional context for an alert
type AlertMetadata map[string]string

// Scan implements sql.Scanner for JSONB
func (am *AlertMetadata) Scan(value interface{}) error {
	if value == nil {
		*am = make(AlertMetadata)
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return ErrBadRequest
	}

	m := make(map[string]string)
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*am = AlertMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AlertMetadata) Value() (driver.Value, error) {
	if am == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(am))
}
