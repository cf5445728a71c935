package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrUnknownVariant is returned by Decode when a frame's tag byte does not
// match any known message variant. Callers log and skip these rather than
// treating them as fatal.
var ErrUnknownVariant = errors.New("wire: unknown message variant")

// Tag identifies a Message's concrete variant on the wire.
type Tag byte

const (
	TagHello Tag = iota + 1
	TagHelloAck
	TagReject
	TagBusy
	TagGoodbye
	TagKeepAlive
	TagChat
	TagConnectionInterrupted
	TagConnectionRestored
	TagScreenshareHeader
)

// SampleFormat enumerates the PCM sample representations AudioHeader can
// advertise. The core only ever produces/consumes Int16; other values may
// appear from a future peer and are accepted verbatim.
type SampleFormat uint8

const (
	SampleFormatInt16 SampleFormat = iota
	SampleFormatFloat32
)

// AudioHeader is exchanged verbatim in Hello/HelloAck. Both sides
// derive the effective codec config from the pair of headers they hold.
type AudioHeader struct {
	Channels     uint8
	SampleRate   uint32
	SampleFormat SampleFormat
	CodecEnabled bool
	VBR          bool
	ResidualBits float32
}

// NegotiateCodec combines two AudioHeaders into the effective codec
// parameters for a call: enabled if either side enabled it, vbr
// if either side wants it, residual bits is the minimum of the two.
func NegotiateCodec(local, remote AudioHeader) (enabled, vbr bool, residualBits float32) {
	enabled = local.CodecEnabled || remote.CodecEnabled
	vbr = local.VBR || remote.VBR
	residualBits = local.ResidualBits
	if remote.ResidualBits < residualBits {
		residualBits = remote.ResidualBits
	}
	return enabled, vbr, residualBits
}

// Attachment is a named byte blob carried by a Chat message.
type Attachment struct {
	Name string
	Data []byte
}

// Message is the closed tagged union of control-plane messages.
// Exactly one of the typed fields is meaningful, selected by Tag.
type Message struct {
	Tag Tag

	// Hello / HelloAck
	Ringtone    []byte // optional, Hello only
	AudioHeader AudioHeader
	Room        bool // Hello only

	// Goodbye
	Reason string // optional

	// Chat
	Text        string
	Attachments []Attachment

	// ScreenshareHeader
	EncoderName string
}

// Hello builds a Hello message. ringtone may be nil.
func Hello(header AudioHeader, room bool, ringtone []byte) Message {
	return Message{Tag: TagHello, AudioHeader: header, Room: room, Ringtone: ringtone}
}

// HelloAck builds a HelloAck message.
func HelloAck(header AudioHeader) Message {
	return Message{Tag: TagHelloAck, AudioHeader: header}
}

// Reject builds a Reject message.
func Reject() Message { return Message{Tag: TagReject} }

// Busy builds a Busy message.
func Busy() Message { return Message{Tag: TagBusy} }

// Goodbye builds a Goodbye message with an optional reason.
func Goodbye(reason string) Message { return Message{Tag: TagGoodbye, Reason: reason} }

// KeepAlive builds a KeepAlive message.
func KeepAlive() Message { return Message{Tag: TagKeepAlive} }

// NewChat builds a Chat message.
func NewChat(text string, attachments []Attachment) Message {
	return Message{Tag: TagChat, Text: text, Attachments: attachments}
}

// ConnectionInterrupted builds a ConnectionInterrupted message.
func ConnectionInterrupted() Message { return Message{Tag: TagConnectionInterrupted} }

// ConnectionRestored builds a ConnectionRestored message.
func ConnectionRestored() Message { return Message{Tag: TagConnectionRestored} }

// ScreenshareHeader builds a ScreenshareHeader message.
func ScreenshareHeader(encoderName string) Message {
	return Message{Tag: TagScreenshareHeader, EncoderName: encoderName}
}

// Encode serializes m into its deterministic binary representation.
func Encode(m Message) []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(m.Tag))
	switch m.Tag {
	case TagHello:
		buf = appendBytes(buf, m.Ringtone)
		buf = appendAudioHeader(buf, m.AudioHeader)
		buf = appendBool(buf, m.Room)
	case TagHelloAck:
		buf = appendAudioHeader(buf, m.AudioHeader)
	case TagReject, TagBusy, TagKeepAlive, TagConnectionInterrupted, TagConnectionRestored:
		// no payload
	case TagGoodbye:
		buf = appendString(buf, m.Reason)
	case TagChat:
		buf = appendString(buf, m.Text)
		buf = appendUint32(buf, uint32(len(m.Attachments)))
		for _, a := range m.Attachments {
			buf = appendString(buf, a.Name)
			buf = appendBytes(buf, a.Data)
		}
	case TagScreenshareHeader:
		buf = appendString(buf, m.EncoderName)
	}
	return buf
}

// Decode parses a tagged-union message from a frame payload. An unrecognized
// tag returns ErrUnknownVariant, wrapping the tag byte so callers can log it.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, fmt.Errorf("wire: empty frame")
	}
	tag := Tag(frame[0])
	rest := frame[1:]
	var (
		m   Message
		err error
	)
	m.Tag = tag
	switch tag {
	case TagHello:
		rest, m.Ringtone, err = takeBytes(rest)
		if err != nil {
			return m, err
		}
		rest, m.AudioHeader, err = takeAudioHeader(rest)
		if err != nil {
			return m, err
		}
		_, m.Room, err = takeBool(rest)
	case TagHelloAck:
		_, m.AudioHeader, err = takeAudioHeader(rest)
	case TagReject, TagBusy, TagKeepAlive, TagConnectionInterrupted, TagConnectionRestored:
		// no payload
	case TagGoodbye:
		_, m.Reason, err = takeString(rest)
	case TagChat:
		rest, m.Text, err = takeString(rest)
		if err != nil {
			return m, err
		}
		var count uint32
		rest, count, err = takeUint32(rest)
		if err != nil {
			return m, err
		}
		if count > 0 {
			m.Attachments = make([]Attachment, 0, count)
		}
		for i := uint32(0); i < count; i++ {
			var name string
			var data []byte
			rest, name, err = takeString(rest)
			if err != nil {
				return m, err
			}
			rest, data, err = takeBytes(rest)
			if err != nil {
				return m, err
			}
			m.Attachments = append(m.Attachments, Attachment{Name: name, Data: data})
		}
	case TagScreenshareHeader:
		_, m.EncoderName, err = takeString(rest)
	default:
		return Message{}, fmt.Errorf("%w: tag=%d", ErrUnknownVariant, tag)
	}
	return m, err
}

func appendAudioHeader(buf []byte, h AudioHeader) []byte {
	buf = append(buf, h.Channels)
	buf = appendUint32(buf, h.SampleRate)
	buf = append(buf, byte(h.SampleFormat))
	buf = appendBool(buf, h.CodecEnabled)
	buf = appendBool(buf, h.VBR)
	var rb [4]byte
	binary.BigEndian.PutUint32(rb[:], math.Float32bits(h.ResidualBits))
	buf = append(buf, rb[:]...)
	return buf
}

func takeAudioHeader(b []byte) ([]byte, AudioHeader, error) {
	if len(b) < 1+4+1+1+1+4 {
		return nil, AudioHeader{}, fmt.Errorf("wire: truncated audio header")
	}
	var h AudioHeader
	h.Channels = b[0]
	b = b[1:]
	h.SampleRate = binary.BigEndian.Uint32(b)
	b = b[4:]
	h.SampleFormat = SampleFormat(b[0])
	b = b[1:]
	h.CodecEnabled = b[0] != 0
	b = b[1:]
	h.VBR = b[0] != 0
	b = b[1:]
	h.ResidualBits = math.Float32frombits(binary.BigEndian.Uint32(b))
	b = b[4:]
	return b, h, nil
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func takeBool(b []byte) ([]byte, bool, error) {
	if len(b) < 1 {
		return nil, false, fmt.Errorf("wire: truncated bool")
	}
	return b[1:], b[0] != 0, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func takeUint32(b []byte) ([]byte, uint32, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("wire: truncated uint32")
	}
	return b[4:], binary.BigEndian.Uint32(b), nil
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func takeBytes(b []byte) ([]byte, []byte, error) {
	b, n, err := takeUint32(b)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("wire: truncated byte slice")
	}
	if n == 0 {
		return b, nil, nil
	}
	return b[n:], b[:n:n], nil
}

func appendString(buf []byte, v string) []byte {
	return appendBytes(buf, []byte(v))
}

func takeString(b []byte) ([]byte, string, error) {
	b, data, err := takeBytes(b)
	if err != nil {
		return nil, "", err
	}
	return b, string(data), nil
}
