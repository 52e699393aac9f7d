package accounts

import "time"

// Account groups the devices and lift data of one person.
type Account struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// Device is an installation registered to an account. TokenHash holds the
// fingerprint of the device secret; the secret itself is never stored.
type Device struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null"`
	AccountID  string    `gorm:"column:account_id;size:190;not null;index:idx_devices_account"`
	TokenHash  string    `gorm:"column:token_hash;size:64;not null"`
	AppVersion *string   `gorm:"column:app_version;size:64"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;not null;index:idx_devices_last_seen"`
}

// TableName exposes the table backing registered devices.
func (Device) TableName() string {
	return "devices"
}

// Principal is the identity attached to an authenticated sync request.
type Principal struct {
	AccountID string
	DeviceID  string
}
