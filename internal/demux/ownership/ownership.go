// Package ownership implements the channel protocol of the storefront's
// ownership service: the query sent after a channel is opened and the owned
// product list that comes back. Its schema is defined by the remote service
// and is completely independent of the outer session layer; tag numbers here
// must never be mixed with internal/demux/wire.
//
// Each encoded unit carries its own 4-byte big-endian length prefix before
// being placed inside an outer data push; MarshalFramed and UnmarshalFramed
// are the only adapter between the two layers.
package ownership

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Tag numbers from the remote ownership-service contract.
const (
	fieldRequestID        protowire.Number = 1
	fieldInitialize       protowire.Number = 2
	fieldInitializeResult protowire.Number = 3

	fieldGetAssociations protowire.Number = 1
	fieldProtoVersion    protowire.Number = 2
	fieldUseStaging      protowire.Number = 3

	fieldSuccess    protowire.Number = 1
	fieldOwnedGames protowire.Number = 2

	fieldProductID     protowire.Number = 1
	fieldProductType   protowire.Number = 2
	fieldState         protowire.Number = 3
	fieldConfiguration protowire.Number = 4
	fieldSpaceID       protowire.Number = 5
	fieldPlatform      protowire.Number = 6
)

// Query parameters fixed by the service contract for the ownership
// initialize call.
const (
	initGetAssociations = true
	initProtoVersion    = 7
	initUseStaging      = false
)

// Product type values carried in Record.ProductType.
const (
	ProductTypeGame uint32 = 0
)

// Lifecycle state values carried in Record.State.
const (
	StateActive  uint32 = 0
	StateExpired uint32 = 4
)

var (
	ErrMalformed      = errors.New("ownership: malformed message")
	ErrEmptyMessage   = errors.New("ownership: no message variant set")
	ErrBadFramePrefix = errors.New("ownership: inner frame prefix disagrees with payload")
)

// Message is one inner-protocol unit. Exactly one body variant is set.
type Message struct {
	RequestID        uint32
	Initialize       *InitializeRequest
	InitializeResult *InitializeResult
}

// InitializeRequest asks the service for the account's owned product list.
type InitializeRequest struct {
	GetAssociations bool
	ProtoVersion    uint32
	UseStaging      bool
}

// NewInitializeRequest returns the fixed-parameter ownership query. The
// values are service constants, not caller inputs.
func NewInitializeRequest() *InitializeRequest {
	return &InitializeRequest{
		GetAssociations: initGetAssociations,
		ProtoVersion:    initProtoVersion,
		UseStaging:      initUseStaging,
	}
}

// InitializeResult is the service's answer to an InitializeRequest.
type InitializeResult struct {
	Success    bool
	OwnedGames []Record
}

// Record describes one product the account holds.
type Record struct {
	ProductID   uint32
	ProductType uint32
	State       uint32
	// Configuration is opaque YAML-ish text the storefront attaches to a
	// product; collaborators parse it separately when they need to.
	Configuration string
	SpaceID       string
	Platform      uint32
}

// IsGame reports whether the record describes a game rather than DLC,
// packages, or other product kinds.
func (r Record) IsGame() bool {
	return r.ProductType == ProductTypeGame
}

// Expired reports whether the account's hold on the product has lapsed.
func (r Record) Expired() bool {
	return r.State == StateExpired
}

// Marshal encodes m into the inner wire format, without the length prefix.
func Marshal(m Message) ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldRequestID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.RequestID))
	switch {
	case m.Initialize != nil:
		buf = appendMessageField(buf, fieldInitialize, marshalInitialize(m.Initialize))
	case m.InitializeResult != nil:
		buf = appendMessageField(buf, fieldInitializeResult, marshalInitializeResult(m.InitializeResult))
	default:
		return nil, ErrEmptyMessage
	}
	return buf, nil
}

// Unmarshal decodes one inner message, without the length prefix.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	err := eachField(b, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch {
		case num == fieldRequestID && typ == protowire.VarintType:
			m.RequestID = uint32(varint(value))
		case num == fieldInitialize && typ == protowire.BytesType:
			init, err := unmarshalInitialize(value)
			if err != nil {
				return err
			}
			m.Initialize = init
		case num == fieldInitializeResult && typ == protowire.BytesType:
			result, err := unmarshalInitializeResult(value)
			if err != nil {
				return err
			}
			m.InitializeResult = result
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	if m.Initialize == nil && m.InitializeResult == nil {
		return Message{}, ErrEmptyMessage
	}
	return m, nil
}

// MarshalFramed encodes m and prepends the inner 4-byte big-endian length
// prefix, producing the exact bytes placed inside an outer data push.
func MarshalFramed(m Message) ([]byte, error) {
	body, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}

// UnmarshalFramed strips the inner length prefix from data-push bytes and
// decodes the remainder. The prefix must account for the entire payload; a
// short or overlong unit is malformed, never resynchronized.
func UnmarshalFramed(b []byte) (Message, error) {
	if len(b) < 4 {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrBadFramePrefix, len(b))
	}
	n := binary.BigEndian.Uint32(b[0:4])
	if uint64(n) != uint64(len(b)-4) {
		return Message{}, fmt.Errorf("%w: prefix=%d payload=%d", ErrBadFramePrefix, n, len(b)-4)
	}
	return Unmarshal(b[4:])
}

func marshalInitialize(r *InitializeRequest) []byte {
	buf := appendBool(nil, fieldGetAssociations, r.GetAssociations)
	buf = protowire.AppendTag(buf, fieldProtoVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.ProtoVersion))
	buf = appendBool(buf, fieldUseStaging, r.UseStaging)
	return buf
}

func unmarshalInitialize(b []byte) (*InitializeRequest, error) {
	init := &InitializeRequest{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case fieldGetAssociations:
			init.GetAssociations = varint(value) != 0
		case fieldProtoVersion:
			init.ProtoVersion = uint32(varint(value))
		case fieldUseStaging:
			init.UseStaging = varint(value) != 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return init, nil
}

func marshalInitializeResult(r *InitializeResult) []byte {
	buf := appendBool(nil, fieldSuccess, r.Success)
	for _, game := range r.OwnedGames {
		buf = appendMessageField(buf, fieldOwnedGames, marshalRecord(game))
	}
	return buf
}

func unmarshalInitializeResult(b []byte) (*InitializeResult, error) {
	result := &InitializeResult{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch {
		case num == fieldSuccess && typ == protowire.VarintType:
			result.Success = varint(value) != 0
		case num == fieldOwnedGames && typ == protowire.BytesType:
			game, err := unmarshalRecord(value)
			if err != nil {
				return err
			}
			result.OwnedGames = append(result.OwnedGames, game)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func marshalRecord(r Record) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldProductID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.ProductID))
	buf = protowire.AppendTag(buf, fieldProductType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.ProductType))
	buf = protowire.AppendTag(buf, fieldState, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.State))
	if r.Configuration != "" {
		buf = appendString(buf, fieldConfiguration, r.Configuration)
	}
	if r.SpaceID != "" {
		buf = appendString(buf, fieldSpaceID, r.SpaceID)
	}
	buf = protowire.AppendTag(buf, fieldPlatform, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Platform))
	return buf
}

func unmarshalRecord(b []byte) (Record, error) {
	var r Record
	err := eachField(b, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch {
		case num == fieldProductID && typ == protowire.VarintType:
			r.ProductID = uint32(varint(value))
		case num == fieldProductType && typ == protowire.VarintType:
			r.ProductType = uint32(varint(value))
		case num == fieldState && typ == protowire.VarintType:
			r.State = uint32(varint(value))
		case num == fieldConfiguration && typ == protowire.BytesType:
			r.Configuration = string(value)
		case num == fieldSpaceID && typ == protowire.BytesType:
			r.SpaceID = string(value)
		case num == fieldPlatform && typ == protowire.VarintType:
			r.Platform = uint32(varint(value))
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

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
