package models

// MessageType tags what a message's content represents. For anything other
// than TEXT the content column stays empty and the payload lives in the file
// store under the message id.
type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeVideo MessageType = "VIDEO"
	MessageTypeFile  MessageType = "FILE"
)

// HasFile reports whether messages of this type carry an attachment blob.
func (t MessageType) HasFile() bool {
	switch t {
	case MessageTypeImage, MessageTypeVideo, MessageTypeFile:
		return true
	}
	return false
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeFile:
		return true
	}
	return false
}

type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	// PublicKey and PrivateKey are opaque blobs generated client-side; the
	// private key is encrypted with the user's password before upload.
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey,omitempty"`
	Signature  string `json:"signature"`
}

type Chat struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	OwnerID int64  `json:"ownerId"`
	Private bool   `json:"isPrivate"`
	// IsMoment marks the single-owner feed chat backing a user's moments.
	IsMoment bool `json:"isMoment,omitempty"`
	// BurnTimeMillis, when set on a private chat, deletes each message that
	// long after it was first read. Nil disables burn-after-read.
	BurnTimeMillis *int64 `json:"burnTimeMillis,omitempty"`
	LastChatAt     int64  `json:"lastChatAt"`
}

// ChatMember is the per-user view of one chat membership, shaped for the
// chats_list packet.
type ChatMember struct {
	ChatID       int64    `json:"chatId"`
	Name         string   `json:"name"`
	Key          string   `json:"key"`
	OtherNames   []string `json:"parsedOtherNames"`
	OtherIDs     []int64  `json:"parsedOtherIds"`
	Private      bool     `json:"isPrivate"`
	UnreadCount  int      `json:"unreadCount"`
	DoNotDisturb bool     `json:"doNotDisturb"`
}

// Reaction is one emoji with the set of users who reacted with it. A user
// appears in at most one reaction per message.
type Reaction struct {
	Emoji   string  `json:"emoji"`
	UserIDs []int64 `json:"userIds"`
}

// ReplyInfo is the quoted head of the message being replied to.
type ReplyInfo struct {
	MessageID  int64       `json:"messageId"`
	Content    string      `json:"content"`
	SenderID   int64       `json:"senderId"`
	SenderName string      `json:"senderName"`
	Type       MessageType `json:"type"`
}

type Message struct {
	ID         int64       `json:"id"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	ChatID     int64       `json:"chatId"`
	SenderID   int64       `json:"senderId"`
	SenderName string      `json:"senderName"`
	Time       int64       `json:"time"`
	// ReadAt is set at most once, when a recipient first marks the message
	// read; it is never cleared.
	ReadAt    *int64     `json:"readAt,omitempty"`
	ReplyTo   *ReplyInfo `json:"replyTo,omitempty"`
	Reactions []Reaction `json:"reactions"`
}

// MomentItem is one entry of a moment feed: a message joined with its owner
// and the viewer's encrypted chat key.
type MomentItem struct {
	MessageID int64       `json:"messageId"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	OwnerID   int64       `json:"ownerId"`
	OwnerName string      `json:"ownerName"`
	Time      int64       `json:"time"`
	Key       string      `json:"key"`
	Reactions []Reaction  `json:"reactions"`
}

// Friend is a row of the friends_list packet.
type Friend struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	CanViewMoments bool   `json:"canViewMoments"`
}

// ExpiredMessage is the minimal projection the sweeper needs to delete a
// burned message and announce the deletion.
type ExpiredMessage struct {
	MessageID int64
	ChatID    int64
	Type      MessageType
}
