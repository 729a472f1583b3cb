package models

import "time"

// DeviceFingerprint is a device an account has logged in from
type DeviceFingerprint struct {
	ID          string
	AccountID   string
	Fingerprint string // hash of IP + User-Agent
	UserAgent   string
	IPAddress   string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}
