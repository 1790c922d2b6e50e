package amqp

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MailMessage is a queued outbound email. The worker delivers it as is.
type MailMessage struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

func NewMailMessage(to, subject, body string) *MailMessage {
	return &MailMessage{
		ID:        uuid.NewString(),
		To:        to,
		Subject:   subject,
		Body:      body,
		Timestamp: time.Now(),
	}
}

func (m *MailMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MailMessageFromJSON decodes a queued message and rejects ones without a
// recipient.
func MailMessageFromJSON(data []byte) (*MailMessage, error) {
	var msg MailMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.To == "" {
		return nil, errors.New("mail message has no recipient")
	}
	return &msg, nil
}
