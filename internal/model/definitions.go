package model

import (
	"time"
)

// Standard time fields for Gorm-managed tables. CreatedAt keeps microseconds
// on MySQL (datetime(6)) since listings are ordered by it.
type DBTime struct {
	CreatedAt time.Time `gorm:"not null;index;precision:6"`
	UpdatedAt time.Time `gorm:"not null"`
}
