package models

import (
	"strconv"
	"time"
)

// Body content types stored in the cache.
const (
	BodyTypeText = "text"
	BodyTypeHTML = "html"
)

// CachedMessage is the durable, normalized form of a fetched message.
// Rows are uniquely keyed by (account, folder, message_id) and replaced
// wholesale on re-fetch, never patched in place.
type CachedMessage struct {
	ID          int64     `db:"id"`
	Account     string    `db:"account"`
	Folder      string    `db:"folder"`
	MessageID   string    `db:"message_id"` // protocol UID as a numeric string
	Subject     string    `db:"subject"`
	SenderName  string    `db:"sender_name"`
	SenderAddr  string    `db:"sender_addr"`
	ReceivedAt  time.Time `db:"received_at"`
	BodyPreview string    `db:"body_preview"`
	BodyContent string    `db:"body_content"`
	BodyType    string    `db:"body_type"` // "text" or "html"
	CreatedAt   time.Time `db:"created_at"`
}

// FetchedMessage is the in-memory result of a single protocol fetch,
// before it is bound to an (account, folder) and persisted.
type FetchedMessage struct {
	UID         uint32
	Subject     string
	Sender      Address
	To          []Address
	Date        time.Time
	BodyContent string
	BodyType    string
	BodyPreview string
}

// Address is a display name plus email address pair.
type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// MessageBody carries the full body of a message in its original form.
type MessageBody struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
}

// Message is the shape handed to API consumers.
type Message struct {
	ID               string      `json:"id"`
	Subject          string      `json:"subject"`
	ReceivedDateTime time.Time   `json:"receivedDateTime"`
	Sender           Address     `json:"sender"`
	ToRecipients     []Address   `json:"toRecipients"`
	Body             MessageBody `json:"body"`
	BodyPreview      string      `json:"bodyPreview"`
}

// ToMessage converts a cached row to the consumer shape. Recipients are not
// persisted, so cache-served messages carry an empty list.
func (m *CachedMessage) ToMessage() Message {
	return Message{
		ID:               m.MessageID,
		Subject:          m.Subject,
		ReceivedDateTime: m.ReceivedAt,
		Sender:           Address{Name: m.SenderName, Address: m.SenderAddr},
		ToRecipients:     []Address{},
		Body:             MessageBody{Content: m.BodyContent, ContentType: m.BodyType},
		BodyPreview:      m.BodyPreview,
	}
}

// ToCached binds a fetched message to its account and folder.
func (f *FetchedMessage) ToCached(account, folder string, now time.Time) *CachedMessage {
	return &CachedMessage{
		Account:     account,
		Folder:      folder,
		MessageID:   strconv.FormatUint(uint64(f.UID), 10),
		Subject:     f.Subject,
		SenderName:  f.Sender.Name,
		SenderAddr:  f.Sender.Address,
		ReceivedAt:  f.Date,
		BodyPreview: f.BodyPreview,
		BodyContent: f.BodyContent,
		BodyType:    f.BodyType,
		CreatedAt:   now,
	}
}

// ToMessage converts a fetched message to the consumer shape, keeping the
// recipient list that a cache round trip would drop.
func (f *FetchedMessage) ToMessage() Message {
	to := f.To
	if to == nil {
		to = []Address{}
	}
	return Message{
		ID:               strconv.FormatUint(uint64(f.UID), 10),
		Subject:          f.Subject,
		ReceivedDateTime: f.Date,
		Sender:           f.Sender,
		ToRecipients:     to,
		Body:             MessageBody{Content: f.BodyContent, ContentType: f.BodyType},
		BodyPreview:      f.BodyPreview,
	}
}
