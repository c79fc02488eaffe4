package models

import (
	"time"
)

type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Username string     `gorm:"size:64;uniqueIndex;not null" json:"username"`
	LastSeen *time.Time `json:"last_seen"`
}

type UserResponse struct {
	ID       uint       `json:"id"`
	Username string     `json:"username"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen"`
}

func (u *User) ToResponse(isOnline bool) UserResponse {
	return UserResponse{
		ID:       u.ID,
		Username: u.Username,
		IsOnline: isOnline,
		LastSeen: u.LastSeen,
	}
}
