// Package wire implements the session-multiplexing message layer spoken on
// the storefront's demux endpoint. Messages use the protobuf wire format with
// tag numbers frozen by the remote service; they must never be renumbered.
//
// Ownership boundary:
// - outer tagged-union message model
// - outer marshal/unmarshal primitives
//
// The channel payload carried by a Data push is opaque here; it belongs to
// the inner channel protocol (internal/demux/ownership).
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Tag numbers from the remote demux contract.
const (
	fieldRequest  protowire.Number = 1
	fieldResponse protowire.Number = 2
	fieldPush     protowire.Number = 3

	fieldRequestID      protowire.Number = 1
	fieldAuthenticate   protowire.Number = 2
	fieldOpenConnection protowire.Number = 3

	fieldClientID    protowire.Number = 1
	fieldTicket      protowire.Number = 2
	fieldServiceName protowire.Number = 1

	fieldSuccess      protowire.Number = 1
	fieldConnectionID protowire.Number = 2

	fieldPushClientVersion   protowire.Number = 1
	fieldPushData            protowire.Number = 2
	fieldPushConnectionClose protowire.Number = 3
	fieldPushKeepAlive       protowire.Number = 4

	fieldVersion protowire.Number = 1

	fieldDataConnectionID protowire.Number = 1
	fieldDataPayload      protowire.Number = 2

	fieldClosedConnectionID protowire.Number = 1
)

var (
	ErrMalformed    = errors.New("wire: malformed message")
	ErrEmptyMessage = errors.New("wire: no message variant set")
)

// Message is one outer-protocol unit. Exactly one variant is set.
type Message struct {
	Request  *Request
	Response *Response
	Push     *Push
}

// Request is a client-correlated message; the remote answers it with a
// Response carrying the same RequestID.
type Request struct {
	RequestID      uint32
	Authenticate   *Authenticate
	OpenConnection *OpenConnection
}

// Response correlates to a previously sent Request by RequestID.
type Response struct {
	RequestID      uint32
	Authenticate   *AuthenticateResult
	OpenConnection *OpenConnectionResult
}

// Push is an uncorrelated message; either direction may send one at any time.
type Push struct {
	ClientVersion    *ClientVersion
	Data             *Data
	ConnectionClosed *ConnectionClosed
	KeepAlive        *KeepAlive
}

type Authenticate struct {
	ClientID string
	Ticket   string
}

type AuthenticateResult struct {
	Success bool
}

type OpenConnection struct {
	ServiceName string
}

type OpenConnectionResult struct {
	Success      bool
	ConnectionID uint32
}

type ClientVersion struct {
	Version string
}

// Data carries one opaque channel-protocol unit for an open connection.
type Data struct {
	ConnectionID uint32
	Payload      []byte
}

type ConnectionClosed struct {
	ConnectionID uint32
}

type KeepAlive struct{}

// Marshal encodes m into the outer wire format.
func Marshal(m Message) ([]byte, error) {
	var buf []byte
	switch {
	case m.Request != nil:
		buf = appendMessageField(buf, fieldRequest, marshalRequest(m.Request))
	case m.Response != nil:
		buf = appendMessageField(buf, fieldResponse, marshalResponse(m.Response))
	case m.Push != nil:
		body, err := marshalPush(m.Push)
		if err != nil {
			return nil, err
		}
		buf = appendMessageField(buf, fieldPush, body)
	default:
		return nil, ErrEmptyMessage
	}
	return buf, nil
}

// Unmarshal decodes one outer message. Unknown fields are skipped, matching
// how the remote treats messages from newer clients.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	err := eachField(b, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldRequest:
			req, err := unmarshalRequest(value)
			if err != nil {
				return err
			}
			m.Request = req
		case fieldResponse:
			rsp, err := unmarshalResponse(value)
			if err != nil {
				return err
			}
			m.Response = rsp
		case fieldPush:
			push, err := unmarshalPush(value)
			if err != nil {
				return err
			}
			m.Push = push
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	if m.Request == nil && m.Response == nil && m.Push == nil {
		return Message{}, ErrEmptyMessage
	}
	return m, nil
}

func marshalRequest(r *Request) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldRequestID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.RequestID))
	if r.Authenticate != nil {
		body := appendString(nil, fieldClientID, r.Authenticate.ClientID)
		body = appendString(body, fieldTicket, r.Authenticate.Ticket)
		buf = appendMessageField(buf, fieldAuthenticate, body)
	}
	if r.OpenConnection != nil {
		body := appendString(nil, fieldServiceName, r.OpenConnection.ServiceName)
		buf = appendMessageField(buf, fieldOpenConnection, body)
	}
	return buf
}

func unmarshalRequest(b []byte) (*Request, error) {
	req := &Request{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch {
		case num == fieldRequestID && typ == protowire.VarintType:
			req.RequestID = uint32(varint(value))
		case num == fieldAuthenticate && typ == protowire.BytesType:
			auth := &Authenticate{}
			err := eachField(value, func(num protowire.Number, typ protowire.Type, value []byte) error {
				switch {
				case num == fieldClientID && typ == protowire.BytesType:
					auth.ClientID = string(value)
				case num == fieldTicket && typ == protowire.BytesType:
					auth.Ticket = string(value)
				}
				return nil
			})
			if err != nil {
				return err
			}
			req.Authenticate = auth
		case num == fieldOpenConnection && typ == protowire.BytesType:
			open := &OpenConnection{}
			err := eachField(value, func(num protowire.Number, typ protowire.Type, value []byte) error {
				if num == fieldServiceName && typ == protowire.BytesType {
					open.ServiceName = string(value)
				}
				return nil
			})
			if err != nil {
				return err
			}
			req.OpenConnection = open
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func marshalResponse(r *Response) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldRequestID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.RequestID))
	if r.Authenticate != nil {
		body := appendBool(nil, fieldSuccess, r.Authenticate.Success)
		buf = appendMessageField(buf, fieldAuthenticate, body)
	}
	if r.OpenConnection != nil {
		body := appendBool(nil, fieldSuccess, r.OpenConnection.Success)
		body = protowire.AppendTag(body, fieldConnectionID, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(r.OpenConnection.ConnectionID))
		buf = appendMessageField(buf, fieldOpenConnection, body)
	}
	return buf
}

func unmarshalResponse(b []byte) (*Response, error) {
	rsp := &Response{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch {
		case num == fieldRequestID && typ == protowire.VarintType:
			rsp.RequestID = uint32(varint(value))
		case num == fieldAuthenticate && typ == protowire.BytesType:
			result := &AuthenticateResult{}
			err := eachField(value, func(num protowire.Number, typ protowire.Type, value []byte) error {
				if num == fieldSuccess && typ == protowire.VarintType {
					result.Success = varint(value) != 0
				}
				return nil
			})
			if err != nil {
				return err
			}
			rsp.Authenticate = result
		case num == fieldOpenConnection && typ == protowire.BytesType:
			result := &OpenConnectionResult{}
			err := eachField(value, func(num protowire.Number, typ protowire.Type, value []byte) error {
				switch {
				case num == fieldSuccess && typ == protowire.VarintType:
					result.Success = varint(value) != 0
				case num == fieldConnectionID && typ == protowire.VarintType:
					result.ConnectionID = uint32(varint(value))
				}
				return nil
			})
			if err != nil {
				return err
			}
			rsp.OpenConnection = result
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rsp, nil
}

func marshalPush(p *Push) ([]byte, error) {
	var buf []byte
	switch {
	case p.ClientVersion != nil:
		body := appendString(nil, fieldVersion, p.ClientVersion.Version)
		buf = appendMessageField(buf, fieldPushClientVersion, body)
	case p.Data != nil:
		body := protowire.AppendTag(nil, fieldDataConnectionID, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(p.Data.ConnectionID))
		body = protowire.AppendTag(body, fieldDataPayload, protowire.BytesType)
		body = protowire.AppendBytes(body, p.Data.Payload)
		buf = appendMessageField(buf, fieldPushData, body)
	case p.ConnectionClosed != nil:
		body := protowire.AppendTag(nil, fieldClosedConnectionID, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(p.ConnectionClosed.ConnectionID))
		buf = appendMessageField(buf, fieldPushConnectionClose, body)
	case p.KeepAlive != nil:
		buf = appendMessageField(buf, fieldPushKeepAlive, nil)
	default:
		return nil, ErrEmptyMessage
	}
	return buf, nil
}

func unmarshalPush(b []byte) (*Push, error) {
	push := &Push{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldPushClientVersion:
			cv := &ClientVersion{}
			err := eachField(value, func(num protowire.Number, typ protowire.Type, value []byte) error {
				if num == fieldVersion && typ == protowire.BytesType {
					cv.Version = string(value)
				}
				return nil
			})
			if err != nil {
				return err
			}
			push.ClientVersion = cv
		case fieldPushData:
			data := &Data{}
			err := eachField(value, func(num protowire.Number, typ protowire.Type, value []byte) error {
				switch {
				case num == fieldDataConnectionID && typ == protowire.VarintType:
					data.ConnectionID = uint32(varint(value))
				case num == fieldDataPayload && typ == protowire.BytesType:
					data.Payload = append([]byte(nil), value...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			push.Data = data
		case fieldPushConnectionClose:
			closed := &ConnectionClosed{}
			err := eachField(value, func(num protowire.Number, typ protowire.Type, value []byte) error {
				if num == fieldClosedConnectionID && typ == protowire.VarintType {
					closed.ConnectionID = uint32(varint(value))
				}
				return nil
			})
			if err != nil {
				return err
			}
			push.ConnectionClosed = closed
		case fieldPushKeepAlive:
			push.KeepAlive = &KeepAlive{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return push, nil
}

// eachField walks every top-level field of a protobuf-encoded buffer. Varint
// fields pass their raw varint bytes as value; length-delimited fields pass
// their contents. Other wire types are skipped.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: bad tag", ErrMalformed)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: bad varint for field %d", ErrMalformed, num)
			}
			if err := fn(num, typ, b[:n]); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			value, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: bad length-delimited field %d", ErrMalformed, num)
			}
			if err := fn(num, typ, value); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: bad field %d", ErrMalformed, num)
			}
			b = b[n:]
		}
	}
	return nil
}

func varint(raw []byte) uint64 {
	v, _ := protowire.ConsumeVarint(raw)
	return v
}

func appendMessageField(buf []byte, num protowire.Number, body []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, body)
}

func appendString(buf []byte, num protowire.Number, s string) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

func appendBool(buf []byte, num protowire.Number, v bool) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	if v {
		return protowire.AppendVarint(buf, 1)
	}
	return protowire.AppendVarint(buf, 0)
}
