package transport

import (
	"encoding/binary"
	"errors"

	"github.com/opd-ai/kex/crypto"
)

// envelopeVersion is the current wire format version.
const envelopeVersion = 1

// maxEnvelopeSize bounds a deserialized envelope; anything larger than the
// largest legitimate handshake payload plus framing is rejected early.
const maxEnvelopeSize = crypto.MaxPayloadSize + 1024

// Envelope is the unit the push channel carries. Only RecipientSessionID
// and Type travel in cleartext; every other field, including display names
// and free-text phrases, lives inside the sealed body.
type Envelope struct {
	RecipientSessionID string
	Type               NotificationType
	Body               *crypto.SealedPayload
}

// Marshal serializes the envelope:
//
//	[version(1)][type(1)][sid_len(1)][sid][nonce(24)][checksum(32)][body_len(4)][body]
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Body == nil {
		return nil, errors.New("envelope body is nil")
	}
	if len(e.RecipientSessionID) == 0 || len(e.RecipientSessionID) > 255 {
		return nil, errors.New("invalid recipient session ID length")
	}

	sid := []byte(e.RecipientSessionID)
	out := make([]byte, 0, 3+len(sid)+24+32+4+len(e.Body.Ciphertext))
	out = append(out, envelopeVersion, byte(e.Type), byte(len(sid)))
	out = append(out, sid...)
	out = append(out, e.Body.Nonce[:]...)
	out = append(out, e.Body.Checksum[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(e.Body.Ciphertext)))
	out = append(out, e.Body.Ciphertext...)

	return out, nil
}

// Unmarshal parses an envelope from its wire form.
func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) > maxEnvelopeSize {
		return nil, errors.New("envelope too large")
	}
	if len(data) < 3 {
		return nil, errors.New("envelope too short")
	}
	if data[0] != envelopeVersion {
		return nil, errors.New("unsupported envelope version")
	}

	env := &Envelope{Type: NotificationType(data[1])}
	sidLen := int(data[2])
	rest := data[3:]

	if len(rest) < sidLen+24+32+4 {
		return nil, errors.New("envelope truncated")
	}
	env.RecipientSessionID = string(rest[:sidLen])
	rest = rest[sidLen:]

	body := &crypto.SealedPayload{}
	copy(body.Nonce[:], rest[:24])
	copy(body.Checksum[:], rest[24:56])

	bodyLen := binary.BigEndian.Uint32(rest[56:60])
	rest = rest[60:]
	if uint32(len(rest)) != bodyLen {
		return nil, errors.New("envelope body length mismatch")
	}

	body.Ciphertext = make([]byte, bodyLen)
	copy(body.Ciphertext, rest)
	env.Body = body

	return env, nil
}
