// Package protocol defines the wire contract of the tab relay: a closed set
// of JSON-encoded message types exchanged over one persistent, bidirectional
// connection per client.
//
// Every record carries a mandatory "type" discriminator. Decode returns the
// matching typed message; unknown additional fields are ignored, and records
// with a missing or unrecognized type are rejected with a sentinel error so
// the caller can log and drop them without closing the connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type is the wire discriminator of a message.
type Type string

const (
	TypeRegister    Type = "register"
	TypeLogin       Type = "login"
	TypeAddFriend   Type = "add-friend"
	TypeFriends     Type = "friends"
	TypeSendTab     Type = "send-tab"
	TypeReceiveTab  Type = "receive-tab"
	TypeAcknowledge Type = "acknowledge-message"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeUser        Type = "user"
	TypeUserInfo    Type = "user-info"
)

var (
	// ErrMalformed marks input that is not a JSON object.
	ErrMalformed = fmt.Errorf("malformed message")
	// ErrMissingType marks a record without the "type" discriminator.
	ErrMissingType = fmt.Errorf("message has no type")
	// ErrUnknownType marks a discriminator outside the closed set above.
	ErrUnknownType = fmt.Errorf("unknown message type")
)

// Message is implemented by every wire message type.
type Message interface {
	Kind() Type
}

// PublicKey is the portable key-description object exchanged for each user:
// algorithm identifier plus key parameters (JWK-style, base64url fields).
// The relay treats it as opaque and only passes it along.
type PublicKey struct {
	Kty    string   `json:"kty"`
	Alg    string   `json:"alg"`
	N      string   `json:"n"`
	E      string   `json:"e"`
	Ext    bool     `json:"ext"`
	KeyOps []string `json:"key_ops"`
}

// Friend is a single friend-list entry as exposed to clients. It never
// includes the friend's mailbox or friend-of-friend data.
type Friend struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	PublicKey   PublicKey `json:"publicKey"`
}

// UserSummary is the reduced user record returned by user-info lookups.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Register creates a new identity. Always succeeds with a fresh user id;
// display names are not unique.
type Register struct {
	Type        Type      `json:"type"`
	DisplayName string    `json:"displayName"`
	PublicKey   PublicKey `json:"publicKey"`
}

func (*Register) Kind() Type { return TypeRegister }

// Login binds an existing identity to the requesting connection. An unknown
// id produces no response at all.
type Login struct {
	Type   Type   `json:"type"`
	UserID string `json:"userId"`
}

func (*Login) Kind() Type { return TypeLogin }

// AddFriend asks the relay to connect the bound user with friendId.
type AddFriend struct {
	Type     Type   `json:"type"`
	FriendID string `json:"friendId"`
}

func (*AddFriend) Kind() Type { return TypeAddFriend }

// Friends is both the client request for a friend-list refresh (UserID set)
// and the server push carrying the resolved list (Friends set).
type Friends struct {
	Type    Type     `json:"type"`
	UserID  string   `json:"userId,omitempty"`
	Friends []Friend `json:"friends,omitempty"`
}

func (*Friends) Kind() Type { return TypeFriends }

// SendTab routes one encrypted payload to a friend. Tab is ciphertext,
// opaque to the relay.
type SendTab struct {
	Type     Type   `json:"type"`
	FriendID string `json:"friendId"`
	Tab      string `json:"tab"`
}

func (*SendTab) Kind() Type { return TypeSendTab }

// ReceiveTab delivers one pending message to its recipient. The same shape
// is stored in the mailbox and replayed in User snapshots until the
// recipient acknowledges the id.
type ReceiveTab struct {
	Type Type   `json:"type"`
	From string `json:"from"`
	ID   string `json:"id"`
	Tab  string `json:"tab"`
}

func (*ReceiveTab) Kind() Type { return TypeReceiveTab }

// Acknowledge removes the named message ids from the bound user's mailbox.
// Ids already removed (or never present) are ignored.
type Acknowledge struct {
	Type       Type     `json:"type"`
	MessageIDs []string `json:"messageIds"`
}

func (*Acknowledge) Kind() Type { return TypeAcknowledge }

// Ping is the client heartbeat.
type Ping struct {
	Type Type `json:"type"`
}

func (*Ping) Kind() Type { return TypePing }

// Pong answers a Ping while the sender still holds a live registry entry.
type Pong struct {
	Type Type `json:"type"`
}

func (*Pong) Kind() Type { return TypePong }

// User is the full snapshot sent after register/login: identity, resolved
// friend list and the entire current mailbox (not drained; removal happens
// only via Acknowledge).
type User struct {
	Type        Type         `json:"type"`
	UserID      string       `json:"userId"`
	DisplayName string       `json:"displayName"`
	Friends     []Friend     `json:"friends"`
	Messages    []ReceiveTab `json:"messages"`
}

func (*User) Kind() Type { return TypeUser }

// UserInfo is both the lookup request (UserID set) and the reply
// (User set).
type UserInfo struct {
	Type   Type         `json:"type"`
	UserID string       `json:"userId,omitempty"`
	User   *UserSummary `json:"user,omitempty"`
}

func (*UserInfo) Kind() Type { return TypeUserInfo }

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses a raw record into its typed message. The switch below covers
// the full closed set; anything else is a representable error, not a crash.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	var msg Message
	switch env.Type {
	case TypeRegister:
		msg = &Register{}
	case TypeLogin:
		msg = &Login{}
	case TypeAddFriend:
		msg = &AddFriend{}
	case TypeFriends:
		msg = &Friends{}
	case TypeSendTab:
		msg = &SendTab{}
	case TypeReceiveTab:
		msg = &ReceiveTab{}
	case TypeAcknowledge:
		msg = &Acknowledge{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	case TypeUser:
		msg = &User{}
	case TypeUserInfo:
		msg = &UserInfo{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// Encode serializes a message, stamping the discriminator in case the caller
// built the struct without one.
func Encode(m Message) ([]byte, error) {
	stamp(m)
	return json.Marshal(m)
}

func stamp(m Message) {
	switch v := m.(type) {
	case *Register:
		v.Type = TypeRegister
	case *Login:
		v.Type = TypeLogin
	case *AddFriend:
		v.Type = TypeAddFriend
	case *Friends:
		v.Type = TypeFriends
	case *SendTab:
		v.Type = TypeSendTab
	case *ReceiveTab:
		v.Type = TypeReceiveTab
	case *Acknowledge:
		v.Type = TypeAcknowledge
	case *Ping:
		v.Type = TypePing
	case *Pong:
		v.Type = TypePong
	case *User:
		v.Type = TypeUser
	case *UserInfo:
		v.Type = TypeUserInfo
	}
}
