package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestRoundTripMessages(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{
			name: "authenticate request",
			msg: Message{Request: &Request{
				RequestID:    1,
				Authenticate: &Authenticate{ClientID: "desktop_client", Ticket: "abc"},
			}},
		},
		{
			name: "open connection request",
			msg: Message{Request: &Request{
				RequestID:      2,
				OpenConnection: &OpenConnection{ServiceName: "ownership_service"},
			}},
		},
		{
			name: "authenticate response",
			msg: Message{Response: &Response{
				RequestID:    1,
				Authenticate: &AuthenticateResult{Success: true},
			}},
		},
		{
			name: "open connection response",
			msg: Message{Response: &Response{
				RequestID:      2,
				OpenConnection: &OpenConnectionResult{Success: true, ConnectionID: 7},
			}},
		},
		{
			name: "client version push",
			msg:  Message{Push: &Push{ClientVersion: &ClientVersion{Version: "10404"}}},
		},
		{
			name: "data push",
			msg:  Message{Push: &Push{Data: &Data{ConnectionID: 7, Payload: []byte{0x00, 0x01, 0x02}}}},
		},
		{
			name: "connection closed push",
			msg:  Message{Push: &Push{ConnectionClosed: &ConnectionClosed{ConnectionID: 9}}},
		},
		{
			name: "keep alive push",
			msg:  Message{Push: &Push{KeepAlive: &KeepAlive{}}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Marshal(tc.msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			decoded, err := Unmarshal(encoded)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !reflect.DeepEqual(decoded, tc.msg) {
				t.Fatalf("round-trip mismatch:\n got %#v\nwant %#v", decoded, tc.msg)
			}
		})
	}
}

func TestMarshalEmptyMessage(t *testing.T) {
	if _, err := Marshal(Message{}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := Marshal(Message{Push: &Push{}}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage for empty push, got %v", err)
	}
}

func TestUnmarshalEmptyBuffer(t *testing.T) {
	if _, err := Unmarshal(nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestUnmarshalMalformedTag(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	encoded, err := Marshal(Message{Push: &Push{KeepAlive: &KeepAlive{}}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Remote may append fields this client predates.
	extra := protowire.AppendTag(nil, 99, protowire.VarintType)
	extra = protowire.AppendVarint(extra, 12345)
	encoded = append(encoded, extra...)

	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Push == nil || decoded.Push.KeepAlive == nil {
		t.Fatalf("keep-alive lost: %#v", decoded)
	}
}

func TestDataPayloadIsCopied(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	encoded, err := Marshal(Message{Push: &Push{Data: &Data{ConnectionID: 1, Payload: payload}}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	encoded[len(encoded)-1] ^= 0xff
	if !bytes.Equal(decoded.Push.Data.Payload, payload) {
		t.Fatalf("decoded payload aliases input buffer")
	}
}
