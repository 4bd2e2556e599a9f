package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		expected    Message
		expectError bool
		errorText   string
	}{
		{
			name:     "hello trims username",
			line:     `{"type":"HELLO","payload":{"username":"  alice "}}`,
			expected: New(Hello{Username: "alice"}),
		},
		{
			name:     "chat",
			line:     `{"type":"CHAT","payload":{"text":"hi there"}}`,
			expected: New(Chat{Text: "hi there"}),
		},
		{
			name:     "chat with empty text",
			line:     `{"type":"CHAT","payload":{"text":""}}`,
			expected: New(Chat{Text: ""}),
		},
		{
			name:     "ping without payload",
			line:     `{"type":"PING"}`,
			expected: New(Ping{}),
		},
		{
			name:     "ping with null payload",
			line:     `{"type":"PING","payload":null}`,
			expected: New(Ping{}),
		},
		{
			name:     "register av partial",
			line:     `{"type":"REGISTER_AV","payload":{"video_port":6001}}`,
			expected: New(RegisterAV{VideoPort: 6001}),
		},
		{
			name:     "presenter status",
			line:     `{"type":"PRESENTER_STATUS","payload":{"active":true}}`,
			expected: New(PresenterStatus{Active: true}),
		},
		{
			name:     "file available",
			line:     `{"type":"FILE_AVAILABLE","payload":{"filename":"a.txt","size":12}}`,
			expected: New(FileAvailable{Filename: "a.txt", Size: 12}),
		},
		{
			name:        "not json",
			line:        `{"type":`,
			expectError: true,
			errorText:   ErrTextMalformed,
		},
		{
			name:        "json array",
			line:        `[1,2,3]`,
			expectError: true,
			errorText:   ErrTextMalformed,
		},
		{
			name:        "missing type",
			line:        `{"payload":{}}`,
			expectError: true,
			errorText:   ErrTextMalformed,
		},
		{
			name:        "hello without username",
			line:        `{"type":"HELLO","payload":{}}`,
			expectError: true,
			errorText:   ErrTextUsernameMissing,
		},
		{
			name:        "hello with blank username",
			line:        `{"type":"HELLO","payload":{"username":"   "}}`,
			expectError: true,
			errorText:   ErrTextUsernameMissing,
		},
		{
			name:        "hello with numeric username",
			line:        `{"type":"HELLO","payload":{"username":42}}`,
			expectError: true,
			errorText:   ErrTextUsernameMissing,
		},
		{
			name:        "chat without text",
			line:        `{"type":"CHAT","payload":{}}`,
			expectError: true,
			errorText:   "Invalid CHAT payload",
		},
		{
			name:        "chat with numeric text",
			line:        `{"type":"CHAT","payload":{"text":1}}`,
			expectError: true,
			errorText:   "Invalid CHAT payload",
		},
		{
			name:        "register av out of range",
			line:        `{"type":"REGISTER_AV","payload":{"video_port":70000}}`,
			expectError: true,
			errorText:   "Invalid REGISTER_AV payload",
		},
		{
			name:        "register av string port",
			line:        `{"type":"REGISTER_AV","payload":{"audio_port":"5002"}}`,
			expectError: true,
			errorText:   "Invalid REGISTER_AV payload",
		},
		{
			name:        "payload not an object",
			line:        `{"type":"PING","payload":"x"}`,
			expectError: true,
			errorText:   "Invalid PING payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.line))

			if tt.expectError {
				var decodeErr *DecodeError
				if !errors.As(err, &decodeErr) {
					t.Fatalf("Expected *DecodeError, got %v", err)
				}
				if decodeErr.Text != tt.errorText {
					t.Errorf("Expected error text %q, got %q", tt.errorText, decodeErr.Text)
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if msg.Type != tt.expected.Type {
				t.Errorf("Expected type %s, got %s", tt.expected.Type, msg.Type)
			}
			if msg.Payload != tt.expected.Payload {
				t.Errorf("Expected payload %+v, got %+v", tt.expected.Payload, msg.Payload)
			}
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"DANCE","payload":{"style":"waltz"}}`))
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	if msg.Type != "DANCE" {
		t.Errorf("Expected type DANCE, got %s", msg.Type)
	}
	unknown, ok := msg.Payload.(Unknown)
	if !ok {
		t.Fatalf("Expected Unknown payload, got %T", msg.Payload)
	}
	if !strings.Contains(string(unknown.Raw), "waltz") {
		t.Errorf("Expected raw payload to be kept, got %s", unknown.Raw)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		msg      Message
		expected string
	}{
		{
			name:     "chat broadcast",
			msg:      New(ChatBroadcast{Username: "bob", Text: "hey"}),
			expected: `{"type":"CHAT_BROADCAST","payload":{"username":"bob","text":"hey"}}` + "\n",
		},
		{
			name:     "pong",
			msg:      New(Pong{}),
			expected: `{"type":"PONG","payload":{}}` + "\n",
		},
		{
			name:     "error",
			msg:      NewError(ErrTextNotJoined),
			expected: `{"type":"ERROR","payload":{"message":"Send HELLO first"}}` + "\n",
		},
		{
			name:     "nil payload",
			msg:      Message{Type: TypePing},
			expected: `{"type":"PING","payload":{}}` + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if string(data) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, data)
			}
		})
	}
}

func TestEncodeDecodeUserEvents(t *testing.T) {
	for _, msg := range []Message{
		New(UserJoined{Username: "carol"}),
		New(UserLeft{Username: "carol"}),
	} {
		data, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		decoded, err := Decode(data[:len(data)-1])
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if decoded != msg {
			t.Errorf("Expected %s, got %s", msg, decoded)
		}
	}
}
