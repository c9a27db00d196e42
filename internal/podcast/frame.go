package podcast

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// MsgType categorizes the payload semantics of a frame.
type MsgType uint8

const (
	MsgTypeInvalid              MsgType = 0
	MsgTypeFullClientRequest    MsgType = 0b0001
	MsgTypeAudioOnlyClient      MsgType = 0b0010
	MsgTypeFullServerResponse   MsgType = 0b1001
	MsgTypeAudioOnlyServer      MsgType = 0b1011
	MsgTypeFrontEndResultServer MsgType = 0b1100
	MsgTypeError                MsgType = 0b1111
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeFullClientRequest:
		return "FullClientRequest"
	case MsgTypeAudioOnlyClient:
		return "AudioOnlyClient"
	case MsgTypeFullServerResponse:
		return "FullServerResponse"
	case MsgTypeAudioOnlyServer:
		return "AudioOnlyServer"
	case MsgTypeFrontEndResultServer:
		return "FrontEndResultServer"
	case MsgTypeError:
		return "Error"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

func (t MsgType) valid() bool {
	switch t {
	case MsgTypeFullClientRequest, MsgTypeAudioOnlyClient, MsgTypeFullServerResponse,
		MsgTypeAudioOnlyServer, MsgTypeFrontEndResultServer, MsgTypeError:
		return true
	}
	return false
}

// MsgFlag describes which optional header fields follow the fixed header.
type MsgFlag uint8

const (
	FlagNoSeq       MsgFlag = 0
	FlagPositiveSeq MsgFlag = 0b0001
	FlagLastNoSeq   MsgFlag = 0b0010
	FlagNegativeSeq MsgFlag = 0b0011
	FlagWithEvent   MsgFlag = 0b0100
)

func (f MsgFlag) hasSequence() bool {
	return f == FlagPositiveSeq || f == FlagNegativeSeq
}

type Serialization uint8

const (
	SerializationRaw  Serialization = 0
	SerializationJSON Serialization = 0b0001
)

type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionGzip Compression = 0b0001
)

// EventType marks the lifecycle position of a frame.
type EventType int32

const (
	EventNone               EventType = 0
	EventStartConnection    EventType = 1
	EventFinishConnection   EventType = 2
	EventConnectionStarted  EventType = 50
	EventConnectionFailed   EventType = 51
	EventConnectionFinished EventType = 52
	EventStartSession       EventType = 100
	EventCancelSession      EventType = 101
	EventFinishSession      EventType = 102
	EventSessionStarted     EventType = 150
	EventSessionCanceled    EventType = 151
	EventSessionFinished    EventType = 152
	EventSessionFailed      EventType = 153
	EventUsageResponse      EventType = 154
	EventPodcastRoundStart  EventType = 360
	EventPodcastRoundChunk  EventType = 361
	EventPodcastRoundEnd    EventType = 362
	EventPodcastEnd         EventType = 363
)

func (e EventType) String() string {
	switch e {
	case EventNone:
		return "None"
	case EventStartConnection:
		return "StartConnection"
	case EventFinishConnection:
		return "FinishConnection"
	case EventConnectionStarted:
		return "ConnectionStarted"
	case EventConnectionFailed:
		return "ConnectionFailed"
	case EventConnectionFinished:
		return "ConnectionFinished"
	case EventStartSession:
		return "StartSession"
	case EventCancelSession:
		return "CancelSession"
	case EventFinishSession:
		return "FinishSession"
	case EventSessionStarted:
		return "SessionStarted"
	case EventSessionCanceled:
		return "SessionCanceled"
	case EventSessionFinished:
		return "SessionFinished"
	case EventSessionFailed:
		return "SessionFailed"
	case EventUsageResponse:
		return "UsageResponse"
	case EventPodcastRoundStart:
		return "PodcastRoundStart"
	case EventPodcastRoundChunk:
		return "PodcastRoundResponse"
	case EventPodcastRoundEnd:
		return "PodcastRoundEnd"
	case EventPodcastEnd:
		return "PodcastEnd"
	default:
		return fmt.Sprintf("EventType(%d)", int32(e))
	}
}

// connectionLevel events carry no session id.
func (e EventType) connectionLevel() bool {
	switch e {
	case EventStartConnection, EventFinishConnection,
		EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}

func (e EventType) carriesConnectID() bool {
	switch e {
	case EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}

const (
	protocolVersion = 1
	headerWords     = 1 // header size in 4-byte units
)

var errShortFrame = errors.New("frame too short")

var errPayloadTooLarge = errors.New("payload too large")

// maxPayloadSize bounds an inflated payload. Audio chunks are far smaller.
var maxPayloadSize int64 = 16 << 20

// Message is one framed protocol unit.
type Message struct {
	Type          MsgType
	Flag          MsgFlag
	Serialization Serialization
	Compression   Compression
	Event         EventType
	SessionID     string
	ConnectID     string
	Sequence      int32
	ErrorCode     uint32
	Payload       []byte
}

func (m *Message) String() string {
	if m.Flag == FlagWithEvent {
		return fmt.Sprintf("%s/%s (%d bytes)", m.Type, m.Event, len(m.Payload))
	}
	return fmt.Sprintf("%s (%d bytes)", m.Type, len(m.Payload))
}

// MarshalBinary encodes the message into a single frame.
func (m *Message) MarshalBinary() ([]byte, error) {
	if !m.Type.valid() {
		return nil, fmt.Errorf("marshal frame: invalid message type %s", m.Type)
	}

	var buf bytes.Buffer
	buf.Write([]byte{
		protocolVersion<<4 | headerWords,
		byte(m.Type)<<4 | byte(m.Flag),
		byte(m.Serialization)<<4 | byte(m.Compression),
		0,
	})

	if m.Flag.hasSequence() {
		_ = binary.Write(&buf, binary.BigEndian, m.Sequence)
	}
	if m.Type == MsgTypeError {
		_ = binary.Write(&buf, binary.BigEndian, m.ErrorCode)
	}
	if m.Flag == FlagWithEvent {
		_ = binary.Write(&buf, binary.BigEndian, int32(m.Event))
		if !m.Event.connectionLevel() {
			writeString(&buf, m.SessionID)
		}
		if m.Event.carriesConnectID() {
			writeString(&buf, m.ConnectID)
		}
	}

	payload := m.Payload
	if m.Compression == CompressionGzip && len(payload) > 0 {
		compressed, err := gzipBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal frame: %w", err)
		}
		payload = compressed
	}
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a single frame produced by MarshalBinary or the server.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("unmarshal frame: %w", errShortFrame)
	}
	headerSize := int(data[0]&0x0f) * 4
	if headerSize < 4 || len(data) < headerSize {
		return fmt.Errorf("unmarshal frame: bad header size %d", headerSize)
	}

	*m = Message{
		Type:          MsgType(data[1] >> 4),
		Flag:          MsgFlag(data[1] & 0x0f),
		Serialization: Serialization(data[2] >> 4),
		Compression:   Compression(data[2] & 0x0f),
	}
	if !m.Type.valid() {
		return fmt.Errorf("unmarshal frame: unknown message type %s", m.Type)
	}

	r := bytes.NewReader(data[headerSize:])
	if m.Flag.hasSequence() {
		if err := binary.Read(r, binary.BigEndian, &m.Sequence); err != nil {
			return fmt.Errorf("unmarshal frame: read sequence: %w", err)
		}
	}
	if m.Type == MsgTypeError {
		if err := binary.Read(r, binary.BigEndian, &m.ErrorCode); err != nil {
			return fmt.Errorf("unmarshal frame: read error code: %w", err)
		}
	}
	if m.Flag == FlagWithEvent {
		var event int32
		if err := binary.Read(r, binary.BigEndian, &event); err != nil {
			return fmt.Errorf("unmarshal frame: read event: %w", err)
		}
		m.Event = EventType(event)
		if !m.Event.connectionLevel() {
			id, err := readString(r)
			if err != nil {
				return fmt.Errorf("unmarshal frame: read session id: %w", err)
			}
			m.SessionID = id
		}
		if m.Event.carriesConnectID() {
			id, err := readString(r)
			if err != nil {
				return fmt.Errorf("unmarshal frame: read connect id: %w", err)
			}
			m.ConnectID = id
		}
	}

	payload, err := readBytes(r)
	if err != nil {
		return fmt.Errorf("unmarshal frame: read payload: %w", err)
	}
	if m.Compression == CompressionGzip && len(payload) > 0 {
		payload, err = gunzipBytes(payload)
		if err != nil {
			return fmt.Errorf("unmarshal frame: %w", err)
		}
	}
	m.Payload = payload
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	if int64(size) > int64(r.Len()) {
		return nil, fmt.Errorf("declared size %d exceeds remaining %d: %w", size, r.Len(), errShortFrame)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gunzip payload: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("gunzip payload: %w", err)
	}
	if int64(len(out)) > maxPayloadSize {
		return nil, fmt.Errorf("gunzip payload: %w: exceeds %d bytes", errPayloadTooLarge, maxPayloadSize)
	}
	return out, nil
}
