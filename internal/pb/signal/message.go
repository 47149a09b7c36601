// Package signal holds the protobuf messages exchanged with cameras over MQTT.
//
// The messages are small and stable, so they are encoded directly with protowire:
//
//	message Meta {
//	  string id = 1;
//	  string reply_to = 2;
//	}
//
//	message SessionDescription {
//	  Meta meta = 1;
//	  string sdp = 2;   // JSON form of webrtc.SessionDescription
//	  string error = 3; // set by the camera instead of sdp when it refuses
//	}
package signal

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Meta identifies an exchange and where its answer goes.
type Meta struct {
	Id      string
	ReplyTo string
}

// SessionDescription carries an offer or an answer, or the error that replaced it.
type SessionDescription struct {
	Meta  *Meta
	Sdp   string
	Error string
}

func (m *Meta) marshal(b []byte) []byte {
	if m.Id != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Id)
	}
	if m.ReplyTo != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.ReplyTo)
	}
	return b
}

func (m *Meta) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, v []byte) {
		switch num {
		case 1:
			m.Id = string(v)
		case 2:
			m.ReplyTo = string(v)
		}
	})
}

// Marshal returns the wire form of s.
func (s *SessionDescription) Marshal() []byte {
	var b []byte
	if s.Meta != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Meta.marshal(nil))
	}
	if s.Sdp != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, s.Sdp)
	}
	if s.Error != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, s.Error)
	}
	return b
}

// Unmarshal parses the wire form into s. Unknown fields are skipped.
func (s *SessionDescription) Unmarshal(b []byte) error {
	var metaErr error
	err := walk(b, func(num protowire.Number, v []byte) {
		switch num {
		case 1:
			s.Meta = new(Meta)
			metaErr = s.Meta.unmarshal(v)
		case 2:
			s.Sdp = string(v)
		case 3:
			s.Error = string(v)
		}
	})
	if err != nil {
		return err
	}
	if metaErr != nil {
		return fmt.Errorf("invalid meta: %w", metaErr)
	}
	return nil
}

// walk calls fn for every length-delimited field of b and skips the others.
func walk(b []byte, fn func(protowire.Number, []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		fn(num, v)
		b = b[n:]
	}
	return nil
}
