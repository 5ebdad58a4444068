package models

import "time"

type RoomType string

const (
	RoomTypePublic RoomType = "public"
	RoomTypeStaff  RoomType = "staff"
)

func (t RoomType) Valid() bool {
	return t == RoomTypePublic || t == RoomTypeStaff
}

type Room struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenantId"`
	Name      string    `json:"name"`
	Type      RoomType  `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a persisted chat line. SenderID is nil for anonymous senders.
type Message struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenantId"`
	RoomID      int64     `json:"roomId"`
	SenderID    *string   `json:"senderId"`
	SenderAlias string    `json:"senderAlias"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

type NewMessage struct {
	TenantID    int64
	RoomID      int64
	SenderID    *string
	SenderAlias string
	Text        string
}
