package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"relaychat/models"
)

// Frame types. "status" is both the client's announce and the server's
// acknowledgement of it.
const (
	TypeStatus         = "status"
	TypePeerStatus     = "user_status_update"
	TypeChat           = "chat"
	TypeMessageSent    = "message_sent"
	TypeTyping         = "typing"
	TypeTypingStopped  = "typing_stopped"
	TypeMarkRead       = "mark_read"
	TypeReadConfirmed  = "read_confirmed"
	TypeMessagesRead   = "messages_read"
	TypeLogout         = "logout"
	TypeTestConnection = "testConnection"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeError          = "error"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Error texts sent in error frames and failed confirmations.
const (
	ErrTextInvalidFormat    = "Invalid message format"
	ErrTextUnknownType      = "Unknown message type"
	ErrTextNotAuthenticated = "Not authenticated"
	ErrTextRateLimited      = "Rate limit exceeded"
	ErrTextUserIDRequired   = "User ID is required"
	ErrTextIdentityMismatch = "User ID does not match session"
	ErrTextAlreadyAnnounced = "Connection already announced as another user"
	ErrTextReceiverRequired = "Receiver ID is required"
	ErrTextSenderRequired   = "Sender ID is required"
	ErrTextChatRequired     = "Receiver ID and message are required"
	ErrTextEmptyMessage     = "Message cannot be empty"
	ErrTextReceiverNotFound = "Receiver not found"
	ErrTextSaveFailed       = "Failed to save message"
	ErrTextInternal         = "Internal server error"
)

// Application close codes (RFC 6455 reserves 4000-4999 for private use).
const (
	CloseSuperseded = 4001
)

// TimeLayout is the ISO-8601 form of every timestamp on the wire. It is the
// stored layout, so timestamps pass through unchanged.
const TimeLayout = models.TimeLayout

var ErrInvalidFrame = errors.New("invalid frame")

// ID is a user identifier that accepts both JSON numbers and numeric strings.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", data, err)
	}
	*id = ID(v)
	return nil
}

// Inbound is a client-to-server frame. Pointer ids distinguish a missing
// field from the reserved id 0.
type Inbound struct {
	Type        string `json:"type"`
	UserID      *ID    `json:"userId,omitempty"`
	ReceiverID  *ID    `json:"receiverId,omitempty"`
	SenderID    *ID    `json:"senderId,omitempty"`
	Content     string `json:"content,omitempty"`
	MessageType string `json:"messageType,omitempty"`
}

// Parse decodes one inbound frame. Anything that is not a JSON object with a
// non-empty type is ErrInvalidFrame.
func Parse(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if in.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	return &in, nil
}

// MessageView is the wire form of a persisted message.
type MessageView struct {
	ID          int64  `json:"id"`
	SenderID    int64  `json:"senderId"`
	ReceiverID  int64  `json:"receiverId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	Timestamp   string `json:"timestamp"`
	IsRead      bool   `json:"isRead"`
	SenderName  string `json:"senderName,omitempty"`
}

func NewMessageView(m *models.Message, senderName string) MessageView {
	return MessageView{
		ID:          m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Body,
		MessageType: m.Kind,
		Timestamp:   FormatTime(m.CreatedAt),
		IsRead:      m.Read,
		SenderName:  senderName,
	}
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type statusFrame struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
	Status string `json:"status"`
}

// StatusAck confirms an announce to the announcing connection.
func StatusAck(userID int64) []byte {
	return encode(statusFrame{Type: TypeStatus, UserID: userID, Status: StatusOnline})
}

// PeerStatus tells other users that userID went online or offline.
func PeerStatus(userID int64, status string) []byte {
	return encode(statusFrame{Type: TypePeerStatus, UserID: userID, Status: status})
}

type chatFrame struct {
	Type string `json:"type"`
	MessageView
}

// Chat is the push delivered to a message's receiver.
func Chat(view MessageView) []byte {
	return encode(chatFrame{Type: TypeChat, MessageView: view})
}

type messageSentFrame struct {
	Type      string       `json:"type"`
	Success   bool         `json:"success"`
	Message   *MessageView `json:"message,omitempty"`
	Delivered bool         `json:"delivered"`
	Error     string       `json:"error,omitempty"`
}

// MessageSent confirms a persisted chat to its sender.
func MessageSent(view MessageView, delivered bool) []byte {
	return encode(messageSentFrame{Type: TypeMessageSent, Success: true, Message: &view, Delivered: delivered})
}

// MessageFailed reports a chat that was not persisted.
func MessageFailed(reason string) []byte {
	return encode(messageSentFrame{Type: TypeMessageSent, Success: false, Error: reason})
}

type typingFrame struct {
	Type       string `json:"type"`
	SenderID   int64  `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	ReceiverID int64  `json:"receiverId"`
}

// Typing forwards a typing or typing_stopped indicator.
func Typing(kind string, senderID int64, senderName string, receiverID int64) []byte {
	return encode(typingFrame{Type: kind, SenderID: senderID, SenderName: senderName, ReceiverID: receiverID})
}

type readConfirmedFrame struct {
	Type     string `json:"type"`
	SenderID int64  `json:"senderId"`
	Count    int64  `json:"count"`
}

// ReadConfirmed answers a mark_read from the reader.
func ReadConfirmed(senderID, count int64) []byte {
	return encode(readConfirmedFrame{Type: TypeReadConfirmed, SenderID: senderID, Count: count})
}

type messagesReadFrame struct {
	Type     string `json:"type"`
	ReaderID int64  `json:"readerId"`
	Count    int64  `json:"count"`
}

// MessagesRead is the read receipt pushed to the original sender.
func MessagesRead(readerID, count int64) []byte {
	return encode(messagesReadFrame{Type: TypeMessagesRead, ReaderID: readerID, Count: count})
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func Error(text string) []byte {
	return encode(errorFrame{Type: TypeError, Error: text})
}

type bareFrame struct {
	Type string `json:"type"`
}

func TestConnection() []byte {
	return encode(bareFrame{Type: TypeTestConnection})
}

func Pong() []byte {
	return encode(bareFrame{Type: TypePong})
}

// encode marshals frames built from fixed struct types, which cannot fail.
func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("protocol: encode frame: " + err.Error())
	}
	return data
}

// Frame is a superset of every server-to-client frame, for clients decoding
// what the server sends.
type Frame struct {
	Type        string       `json:"type"`
	UserID      int64        `json:"userId"`
	Status      string       `json:"status"`
	Success     *bool        `json:"success"`
	Error       string       `json:"error"`
	Message     *MessageView `json:"message"`
	Delivered   bool         `json:"delivered"`
	ID          int64        `json:"id"`
	SenderID    int64        `json:"senderId"`
	SenderName  string       `json:"senderName"`
	ReceiverID  int64        `json:"receiverId"`
	ReaderID    int64        `json:"readerId"`
	Content     string       `json:"content"`
	MessageType string       `json:"messageType"`
	Timestamp   string       `json:"timestamp"`
	IsRead      bool         `json:"isRead"`
	Count       int64        `json:"count"`
}

// Decode parses a server-to-client frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
