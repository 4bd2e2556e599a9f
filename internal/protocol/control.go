package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type identifies a control message kind
type Type string

// Control message types
const (
	TypeHello           Type = "HELLO"
	TypeWelcome         Type = "WELCOME"
	TypeChat            Type = "CHAT"
	TypeChatBroadcast   Type = "CHAT_BROADCAST"
	TypeUserJoined      Type = "USER_JOINED"
	TypeUserLeft        Type = "USER_LEFT"
	TypeError           Type = "ERROR"
	TypePing            Type = "PING"
	TypePong            Type = "PONG"
	TypeRegisterAV      Type = "REGISTER_AV"
	TypeFileAvailable   Type = "FILE_AVAILABLE"
	TypePresenterStatus Type = "PRESENTER_STATUS"
)

// Client-facing error texts
const (
	ErrTextMalformed       = "Malformed JSON"
	ErrTextUsernameMissing = "Username required"
	ErrTextNotJoined       = "Send HELLO first"
	ErrTextUnknownType     = "Unknown type"
	ErrTextTooLong         = "Message too long"
)

// Payload is implemented by every typed control payload.
// The set is closed: only types in this package satisfy it.
type Payload interface {
	messageType() Type
}

// Hello announces the client's display name
type Hello struct {
	Username string `json:"username"`
}

// Welcome is a free-form greeting
type Welcome struct {
	Message string `json:"message"`
}

// Chat carries a chat line from a client
type Chat struct {
	Text string `json:"text"`
}

// ChatBroadcast is a chat line fanned out to every session
type ChatBroadcast struct {
	Username string `json:"username"`
	Text     string `json:"text"`
}

// UserJoined announces a session that completed HELLO
type UserJoined struct {
	Username string `json:"username"`
}

// UserLeft announces the departure of a named session
type UserLeft struct {
	Username string `json:"username"`
}

// Error reports a protocol error to the client
type Error struct {
	Message string `json:"message"`
}

// Ping requests a Pong
type Ping struct{}

// Pong answers a Ping
type Pong struct{}

// RegisterAV declares the client's UDP receive ports. Zero means not offered.
type RegisterAV struct {
	VideoPort int `json:"video_port"`
	AudioPort int `json:"audio_port"`
}

// FileAvailable announces a stored file
type FileAvailable struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// PresenterStatus reports whether a presenter is streaming
type PresenterStatus struct {
	Active bool `json:"active"`
}

// Unknown holds a message whose type is not part of the vocabulary
type Unknown struct {
	Raw json.RawMessage
}

func (Hello) messageType() Type           { return TypeHello }
func (Welcome) messageType() Type         { return TypeWelcome }
func (Chat) messageType() Type            { return TypeChat }
func (ChatBroadcast) messageType() Type   { return TypeChatBroadcast }
func (UserJoined) messageType() Type      { return TypeUserJoined }
func (UserLeft) messageType() Type        { return TypeUserLeft }
func (Error) messageType() Type           { return TypeError }
func (Ping) messageType() Type            { return TypePing }
func (Pong) messageType() Type            { return TypePong }
func (RegisterAV) messageType() Type      { return TypeRegisterAV }
func (FileAvailable) messageType() Type   { return TypeFileAvailable }
func (PresenterStatus) messageType() Type { return TypePresenterStatus }
func (Unknown) messageType() Type         { return "" }

// Message is one control line: a type tag and its typed payload
type Message struct {
	Type    Type
	Payload Payload
}

// New builds a message whose type is taken from the payload
func New(p Payload) Message {
	return Message{Type: p.messageType(), Payload: p}
}

// NewError builds an ERROR message
func NewError(text string) Message {
	return New(Error{Message: text})
}

// String returns a short human-readable form for logs
func (m Message) String() string {
	return fmt.Sprintf("Message{Type: %s, Payload: %+v}", m.Type, m.Payload)
}

// DecodeError is returned when a line cannot be turned into a Message.
// Text is what the client is told in the ERROR reply. Type is set when the
// envelope was valid and only the payload was rejected.
type DecodeError struct {
	Type Type
	Text string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Text, e.Err)
	}
	return e.Text
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type envelope struct {
	Type    *string         `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var errNoType = errors.New("missing or empty type")

// Decode parses one control line (without the trailing line-feed).
// Unrecognised types decode to an Unknown payload rather than an error.
func Decode(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Message{}, &DecodeError{Text: ErrTextMalformed, Err: err}
	}
	if env.Type == nil || *env.Type == "" {
		return Message{}, &DecodeError{Text: ErrTextMalformed, Err: errNoType}
	}

	t := Type(*env.Type)
	raw := env.Payload
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}

	var p Payload
	var err error
	switch t {
	case TypeHello:
		p, err = decodeHello(raw)
	case TypeWelcome:
		p, err = decodeInto[Welcome](t, raw)
	case TypeChat:
		p, err = decodeChat(raw)
	case TypeChatBroadcast:
		p, err = decodeInto[ChatBroadcast](t, raw)
	case TypeUserJoined:
		p, err = decodeInto[UserJoined](t, raw)
	case TypeUserLeft:
		p, err = decodeInto[UserLeft](t, raw)
	case TypeError:
		p, err = decodeInto[Error](t, raw)
	case TypePing:
		p, err = decodeInto[Ping](t, raw)
	case TypePong:
		p, err = decodeInto[Pong](t, raw)
	case TypeRegisterAV:
		p, err = decodeRegisterAV(raw)
	case TypeFileAvailable:
		p, err = decodeInto[FileAvailable](t, raw)
	case TypePresenterStatus:
		p, err = decodeInto[PresenterStatus](t, raw)
	default:
		p = Unknown{Raw: append(json.RawMessage(nil), env.Payload...)}
	}
	if err != nil {
		return Message{}, err
	}

	return Message{Type: t, Payload: p}, nil
}

func decodeInto[T Payload](t Type, raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, invalidPayload(t, err)
	}
	return v, nil
}

func invalidPayload(t Type, err error) *DecodeError {
	return &DecodeError{Type: t, Text: fmt.Sprintf("Invalid %s payload", t), Err: err}
}

func decodeHello(raw []byte) (Payload, error) {
	var v struct {
		Username *string `json:"username"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &DecodeError{Type: TypeHello, Text: ErrTextUsernameMissing, Err: err}
	}
	if v.Username == nil || strings.TrimSpace(*v.Username) == "" {
		return nil, &DecodeError{Type: TypeHello, Text: ErrTextUsernameMissing}
	}
	return Hello{Username: strings.TrimSpace(*v.Username)}, nil
}

func decodeChat(raw []byte) (Payload, error) {
	var v struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, invalidPayload(TypeChat, err)
	}
	if v.Text == nil {
		return nil, invalidPayload(TypeChat, errors.New("text is required"))
	}
	return Chat{Text: *v.Text}, nil
}

func decodeRegisterAV(raw []byte) (Payload, error) {
	var v RegisterAV
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, invalidPayload(TypeRegisterAV, err)
	}
	if v.VideoPort < 0 || v.VideoPort > 65535 {
		return nil, invalidPayload(TypeRegisterAV, fmt.Errorf("video_port must be between 0 and 65535, got %d", v.VideoPort))
	}
	if v.AudioPort < 0 || v.AudioPort > 65535 {
		return nil, invalidPayload(TypeRegisterAV, fmt.Errorf("audio_port must be between 0 and 65535, got %d", v.AudioPort))
	}
	return v, nil
}

type wireMessage struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

// Encode serialises a message as one JSON line including the trailing line-feed
func Encode(m Message) ([]byte, error) {
	var payload any = m.Payload
	switch p := m.Payload.(type) {
	case nil:
		payload = struct{}{}
	case Unknown:
		if len(p.Raw) == 0 {
			payload = struct{}{}
		} else {
			payload = p.Raw
		}
	}

	data, err := json.Marshal(wireMessage{Type: m.Type, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return append(data, '\n'), nil
}
