package domain

import (
	"encoding/json"
	"fmt"
)

// AnnouncementType 通知信封类型
type AnnouncementType string

const (
	// AnnouncementStored 一封邮件已写入存储
	AnnouncementStored AnnouncementType = "stored"
)

// Announcement 是扇出通道上传输的信封。
type Announcement struct {
	Type    AnnouncementType `json:"type"`
	Mailbox string           `json:"mailbox"`
	ID      string           `json:"id"`
	Record  *Email           `json:"record"`
}

// NewStoredAnnouncement 构造"邮件已存储"通知，邮箱标识一律规范化
func NewStoredAnnouncement(mailbox string, record *Email) *Announcement {
	return &Announcement{
		Type:    AnnouncementStored,
		Mailbox: NormalizeMailbox(mailbox),
		ID:      record.ID,
		Record:  record,
	}
}

// Encode 编码为 JSON
func (a *Announcement) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAnnouncement 解码并校验通知信封，未知类型视为错误
func DecodeAnnouncement(data []byte) (*Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode announcement: %w", err)
	}

	switch a.Type {
	case AnnouncementStored:
		if a.Record == nil {
			return nil, fmt.Errorf("decode announcement: missing record")
		}
		if a.ID == "" {
			a.ID = a.Record.ID
		}
	default:
		return nil, fmt.Errorf("decode announcement: unknown type %q", a.Type)
	}

	a.Mailbox = NormalizeMailbox(a.Mailbox)
	if a.Mailbox == "" {
		return nil, fmt.Errorf("decode announcement: missing mailbox")
	}
	return &a, nil
}
