package models

import (
	"time"
)

type MemberRole string

const (
	RoleOwner  MemberRole = "OWNER"
	RoleAdmin  MemberRole = "ADMIN"
	RoleMember MemberRole = "MEMBER"
)

// DefaultRoomCapacity matches the max_members column default.
const DefaultRoomCapacity = 50

// CanManage reports whether the role may remove members or edit the room.
func (r MemberRole) CanManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

type Room struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RoomID     string `gorm:"size:64;uniqueIndex;not null" json:"room_id"`
	Name       string `gorm:"size:100;not null" json:"name"`
	IsPrivate  bool   `gorm:"not null;default:false" json:"is_private"`
	MaxMembers int    `gorm:"not null;default:50" json:"max_members"`
	CreatedBy  string `gorm:"size:64;not null" json:"created_by"`
}

// RoomMember joins a room and a user by their ids; neither side holds the other.
type RoomMember struct {
	RoomID     string     `gorm:"primaryKey;size:64" json:"room_id"`
	Username   string     `gorm:"primaryKey;size:64;index" json:"username"`
	Role       MemberRole `gorm:"type:varchar(20);not null;default:'MEMBER'" json:"role"`
	JoinedAt   time.Time  `gorm:"autoCreateTime" json:"joined_at"`
	LastReadAt *time.Time `json:"last_read_at"`
}
