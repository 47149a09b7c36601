package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// ErrEmpty is returned when a payload carries neither an sdp nor an error.
var ErrEmpty = errors.New("empty session description")

// EncodeSDP encodes webrtc.SessionDescription with metadata to protobuf payload.
// meta may be nil.
func EncodeSDP(sdp *webrtc.SessionDescription, meta *Meta) ([]byte, error) {
	b, err := json.Marshal(sdp)
	if err != nil {
		return nil, err
	}

	msg := SessionDescription{
		Meta: meta,
		Sdp:  string(b),
	}
	return msg.Marshal(), nil
}

// EncodeError encodes a refusal to answer.
func EncodeError(message string, meta *Meta) []byte {
	msg := SessionDescription{
		Meta:  meta,
		Error: message,
	}
	return msg.Marshal()
}

// DecodeSDP decodes protobuf payload SessionDescription to webrtc.SessionDescription
// and returns its metadata, which may be nil.
func DecodeSDP(payload []byte) (*webrtc.SessionDescription, *Meta, error) {
	var msg SessionDescription
	if err := msg.Unmarshal(payload); err != nil {
		return nil, nil, err
	}
	if msg.Sdp == "" {
		return nil, msg.Meta, ErrEmpty
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal([]byte(msg.Sdp), &sdp); err != nil {
		return nil, msg.Meta, fmt.Errorf("could not unmarshal sdp: %w", err)
	}
	return &sdp, msg.Meta, nil
}

// DecodeAnswer decodes an answer payload. A payload carrying an error yields
// a nil description and the remote error message.
func DecodeAnswer(payload []byte) (sdp *webrtc.SessionDescription, remoteErr string, err error) {
	var msg SessionDescription
	if err := msg.Unmarshal(payload); err != nil {
		return nil, "", err
	}
	if msg.Error != "" {
		return nil, msg.Error, nil
	}
	if msg.Sdp == "" {
		return nil, "", ErrEmpty
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(msg.Sdp), &answer); err != nil {
		return nil, "", fmt.Errorf("could not unmarshal sdp: %w", err)
	}
	return &answer, "", nil
}
