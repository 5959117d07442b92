package model

// UserStatus 用户状态
type UserStatus string

const (
	UserStatusActive     UserStatus = "active"
	UserStatusRestricted UserStatus = "restricted"
	UserStatusSuspended  UserStatus = "suspended"
)

// User 用户目录 (只读取画像, 仅处置会改 status)
type User struct {
	ID              string     `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	UserType        *string    `gorm:"column:user_type;type:varchar(32)" json:"user_type"`
	ServiceCategory *string    `gorm:"column:service_category;type:varchar(64)" json:"service_category"`
	Status          UserStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	CreatedAt       int64      `gorm:"column:created_at;autoCreateTime:milli" json:"created_at"`
	UpdatedAt       int64      `gorm:"column:updated_at;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 表名
func (User) TableName() string {
	return "users"
}
