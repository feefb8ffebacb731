package jt808

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Message IDs handled by the terminus. Terminal-originated unless noted.
const (
	MsgTerminalAck = 0x0001
	MsgHeartbeat   = 0x0002
	MsgLogout      = 0x0003
	MsgRegister    = 0x0100
	MsgAuth        = 0x0102
	MsgLocation    = 0x0200
	MsgStoredMedia = 0x1205 // list response or stored-video data
	MsgUploadInit  = 0x1206

	MsgGeneralAck   = 0x8001 // server
	MsgHeartbeatAck = 0x8002 // server
	MsgLocationAck  = 0x8003 // server
	MsgRegisterAck  = 0x8100 // server

	MsgLiveRequest = 0x9101 // server
	MsgDownloadReq = 0x9102 // server
	MsgVideoData   = 0x9201
	MsgVideoCtrl   = 0x9202 // both directions; length-polymorphic
	MsgListQuery   = 0x9205 // server
	MsgVideoDataB  = 0x9206
	MsgVideoDataC  = 0x9207
)

// Ack result codes (0x0001 and 0x8001).
const (
	ResultOK          = 0
	ResultFail        = 1
	ResultBadMessage  = 2
	ResultUnsupported = 3
)

// Video data types carried by the stream messages.
const (
	FrameVideoI = 0
	FrameVideoP = 1
	FrameVideoB = 2
	FrameAudio  = 3
)

// Package types of a stream fragment.
const (
	PackageStart  = 0
	PackageMiddle = 1
	PackageEnd    = 2
)

// Control types of a 4-octet 0x9202 command.
const (
	CtrlCloseAll       = 0
	CtrlSwitchStream   = 1
	CtrlSwitchMainSub  = 2
	CtrlSwitchBitrate  = 3
	CtrlKeyframeUpdate = 4
	CtrlAddTerminal    = 5
	CtrlDelTerminal    = 6
)

// Message is a decoded terminal-originated body. The concrete type follows
// the frame's message id; 0x9202 is split by length and 0x1205 stays raw
// (StoredMedia) because only session state can tell a list response from a
// data chunk.
type Message interface {
	msgID() uint16
}

type TerminalAck struct {
	ReplySeq uint16
	ReplyID  uint16
	Result   uint8
}

type Heartbeat struct{}

type Logout struct{}

type Register struct {
	Province     uint16
	City         uint16
	Manufacturer string
	Model        string
	TerminalID   string
	PlateColor   uint8
	Plate        string
}

type Auth struct {
	Code []byte
}

// Location is the fixed 28-octet telemetry prefix of 0x0200. Latitude and
// longitude are micro-degrees; speed is 0.1 km/h units.
type Location struct {
	Alarm    uint32
	Status   uint32
	LatMicro int32
	LonMicro int32
	Altitude uint16
	SpeedDec uint16
	Heading  uint16
	Time     string // BCD YYMMDDHHmmss as digits
	Extra    []byte
}

func (l *Location) Latitude() float64  { return float64(l.LatMicro) / 1e6 }
func (l *Location) Longitude() float64 { return float64(l.LonMicro) / 1e6 }
func (l *Location) SpeedKmh() float64  { return float64(l.SpeedDec) / 10 }

// StoredMedia is an undecoded 0x1205 body. See ParseStoredList and
// ParseStoredVideoData for the two readings.
type StoredMedia struct {
	Body []byte
}

type UploadInit struct {
	Channel   uint8
	VideoType uint8
	Start     string // BCD YYMMDDHHmmss as digits
	Raw       []byte
}

// VideoData is a live-stream fragment (0x9201/0x9206/0x9207, or an 0x9202
// of 13+ octets).
type VideoData struct {
	ID           uint16 // originating message id
	Channel      uint8
	DataType     uint8
	PackageType  uint8
	Timestamp    string // BCD YYMMDDHHmmss as digits
	LastInterval uint16
	LastSize     uint16
	Payload      []byte
}

// VideoControl is a 4-octet 0x9202.
type VideoControl struct {
	Control  uint8
	Channel  uint8
	DataType uint8
	Stream   uint8
}

// Raw carries any body the model does not recognise.
type Raw struct {
	ID   uint16
	Body []byte
}

func (TerminalAck) msgID() uint16  { return MsgTerminalAck }
func (Heartbeat) msgID() uint16    { return MsgHeartbeat }
func (Logout) msgID() uint16       { return MsgLogout }
func (Register) msgID() uint16     { return MsgRegister }
func (Auth) msgID() uint16         { return MsgAuth }
func (*Location) msgID() uint16    { return MsgLocation }
func (StoredMedia) msgID() uint16  { return MsgStoredMedia }
func (UploadInit) msgID() uint16   { return MsgUploadInit }
func (*VideoData) msgID() uint16   { return MsgVideoData }
func (VideoControl) msgID() uint16 { return MsgVideoCtrl }
func (Raw) msgID() uint16          { return 0 }

// Decode types a frame's body. Unknown ids come back as Raw; short bodies
// for known ids are an error.
func Decode(f *Frame) (Message, error) {
	body := f.Body
	switch f.MsgID {
	case MsgTerminalAck:
		if len(body) < 5 {
			return nil, fmt.Errorf("0x0001 body %d < 5", len(body))
		}
		return TerminalAck{
			ReplySeq: binary.BigEndian.Uint16(body[0:2]),
			ReplyID:  binary.BigEndian.Uint16(body[2:4]),
			Result:   body[4],
		}, nil

	case MsgHeartbeat:
		return Heartbeat{}, nil

	case MsgLogout:
		return Logout{}, nil

	case MsgRegister:
		return decodeRegister(body)

	case MsgAuth:
		code := body
		if len(code) > 16 {
			code = code[:16]
		}
		return Auth{Code: append([]byte(nil), code...)}, nil

	case MsgLocation:
		return ParseLocation(body)

	case MsgStoredMedia:
		return StoredMedia{Body: body}, nil

	case MsgUploadInit:
		return decodeUploadInit(body)

	case MsgVideoData, MsgVideoDataB, MsgVideoDataC:
		return ParseVideoData(f.MsgID, body)

	case MsgVideoCtrl:
		if len(body) == 4 {
			return VideoControl{Control: body[0], Channel: body[1], DataType: body[2], Stream: body[3]}, nil
		}
		if len(body) >= 13 {
			return ParseVideoData(f.MsgID, body)
		}
		return nil, fmt.Errorf("0x9202 body %d is neither control (4) nor data (13+)", len(body))

	default:
		return Raw{ID: f.MsgID, Body: body}, nil
	}
}

func decodeRegister(body []byte) (Message, error) {
	// province(2) city(2) manufacturer(5) model(20) terminal_id(16)
	// plate_color(1) plate(...)
	if len(body) < 4 {
		return nil, fmt.Errorf("0x0100 body %d < 4", len(body))
	}
	r := Register{
		Province: binary.BigEndian.Uint16(body[0:2]),
		City:     binary.BigEndian.Uint16(body[2:4]),
	}
	if len(body) >= 9 {
		r.Manufacturer = trimField(body[4:9])
	}
	if len(body) >= 29 {
		r.Model = trimField(body[9:29])
	}
	if len(body) >= 45 {
		r.TerminalID = trimField(body[29:45])
	}
	if len(body) >= 46 {
		r.PlateColor = body[45]
		r.Plate = string(body[46:])
	}
	return r, nil
}

func decodeUploadInit(body []byte) (Message, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("0x1206 body %d < 2", len(body))
	}
	u := UploadInit{
		Channel:   body[0],
		VideoType: body[1],
		Raw:       append([]byte(nil), body...),
	}
	if len(body) >= 8 {
		u.Start = DecodeBCD(body[2:8])
	}
	return u, nil
}

// ParseLocation decodes the 28-octet telemetry prefix of an 0x0200 body
// (also embedded in stored-video data chunks).
func ParseLocation(body []byte) (*Location, error) {
	if len(body) < 28 {
		return nil, fmt.Errorf("location body %d < 28", len(body))
	}
	l := &Location{
		Alarm:    binary.BigEndian.Uint32(body[0:4]),
		Status:   binary.BigEndian.Uint32(body[4:8]),
		LatMicro: int32(binary.BigEndian.Uint32(body[8:12])),
		LonMicro: int32(binary.BigEndian.Uint32(body[12:16])),
		Altitude: binary.BigEndian.Uint16(body[16:18]),
		SpeedDec: binary.BigEndian.Uint16(body[18:20]),
		Heading:  binary.BigEndian.Uint16(body[20:22]),
		Time:     DecodeBCD(body[22:28]),
	}
	if len(body) > 28 {
		l.Extra = append([]byte(nil), body[28:]...)
	}
	return l, nil
}

// ParseVideoData decodes the 13-octet stream-fragment prefix shared by
// 0x9201/0x9206/0x9207 and long 0x9202 bodies.
func ParseVideoData(id uint16, body []byte) (*VideoData, error) {
	if len(body) < 13 {
		return nil, fmt.Errorf("0x%04X body %d < 13", id, len(body))
	}
	return &VideoData{
		ID:           id,
		Channel:      body[0],
		DataType:     body[1],
		PackageType:  body[2],
		Timestamp:    DecodeBCD(body[3:9]),
		LastInterval: binary.BigEndian.Uint16(body[9:11]),
		LastSize:     binary.BigEndian.Uint16(body[11:13]),
		Payload:      append([]byte(nil), body[13:]...),
	}, nil
}

// StoredVideoEntry is one 18-octet row of a stored-video list response.
type StoredVideoEntry struct {
	Channel   uint8  `json:"channel"`
	Start     string `json:"start"` // BCD YYMMDDHHmmss as digits
	End       string `json:"end"`
	Alarm     uint32 `json:"alarm"`
	VideoType uint8  `json:"video_type"`
}

// StoredEntryLen is the octet length of one stored-video list entry.
// Some firmwares ship 22-octet entries with a trailing file size; only
// the 18-octet form is handled.
const StoredEntryLen = 18

// StoredList is a decoded 0x1205 list response.
type StoredList struct {
	Count   uint16
	Entries []StoredVideoEntry
}

// ParseStoredList reads a list response: count u16 then N entries. Devices
// sometimes declare more entries than they ship; whatever complete entries
// are present are returned and Count keeps the declared value.
func ParseStoredList(body []byte) (*StoredList, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("list body %d < 2", len(body))
	}
	count := binary.BigEndian.Uint16(body[0:2])
	avail := (len(body) - 2) / StoredEntryLen
	n := int(count)
	if avail < n {
		n = avail
	}
	list := &StoredList{Count: count, Entries: make([]StoredVideoEntry, 0, n)}
	for i := 0; i < n; i++ {
		e := body[2+i*StoredEntryLen:]
		list.Entries = append(list.Entries, StoredVideoEntry{
			Channel:   e[0],
			Start:     DecodeBCD(e[1:7]),
			End:       DecodeBCD(e[7:13]),
			Alarm:     binary.BigEndian.Uint32(e[13:17]),
			VideoType: e[17],
		})
	}
	return list, nil
}

// StoredVideoData is the data-chunk reading of 0x1205: a 4-octet stream
// header, 28 octets of embedded telemetry, 4 reserved octets, then video.
type StoredVideoData struct {
	Channel  uint8
	DataType uint8
	Stream   uint8
	Codec    uint8
	GPS      *Location
	Payload  []byte
}

// ParseStoredVideoData decodes an 0x1205 stored-video data chunk.
func ParseStoredVideoData(body []byte) (*StoredVideoData, error) {
	if len(body) < 36 {
		return nil, fmt.Errorf("stored-video body %d < 36", len(body))
	}
	gps, err := ParseLocation(body[4:32])
	if err != nil {
		return nil, err
	}
	gps.Extra = nil
	return &StoredVideoData{
		Channel:  body[0],
		DataType: body[1],
		Stream:   body[2],
		Codec:    body[3],
		GPS:      gps,
		Payload:  append([]byte(nil), body[36:]...),
	}, nil
}

func trimField(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == 0x00 || b[end-1] == ' ') {
		end--
	}
	start := 0
	for start < end && b[start] == 0x00 {
		start++
	}
	return string(b[start:end])
}

// Body builders for server-to-terminal messages. Framing is Build's job.

// AckBody builds an 0x0001 terminal-style acknowledgement, which the
// server also sends to confirm terminal-originated uploads (0x1205 lists,
// 0x1206 init).
func AckBody(replySeq, replyID uint16, result uint8) []byte {
	b := make([]byte, 5)
	binary.BigEndian.PutUint16(b[0:2], replySeq)
	binary.BigEndian.PutUint16(b[2:4], replyID)
	b[4] = result
	return b
}

// GeneralAckBody builds an 0x8001 body.
func GeneralAckBody(result uint8) []byte {
	return []byte{result}
}

// LocationAckBody builds an 0x8003 body.
func LocationAckBody(result uint8) []byte {
	return []byte{result}
}

// RegisterAckBody builds an 0x8100 body: result u16 plus a 16-octet
// authentication code (zero-padded or truncated to exactly 16).
func RegisterAckBody(result uint16, authCode []byte) []byte {
	b := make([]byte, 2+16)
	binary.BigEndian.PutUint16(b[0:2], result)
	copy(b[2:], authCode)
	return b
}

// LiveRequestBody builds the 12-octet 0x9101 body.
func LiveRequestBody(ip net.IP, tcpPort, udpPort uint16, channel, dataType, stream uint8) ([]byte, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("0x9101 needs an IPv4 address, got %v", ip)
	}
	b := make([]byte, 12)
	b[0] = 4
	copy(b[1:5], v4)
	binary.BigEndian.PutUint16(b[5:7], tcpPort)
	binary.BigEndian.PutUint16(b[7:9], udpPort)
	b[9] = channel
	b[10] = dataType
	b[11] = stream
	return b, nil
}

// ListQueryBody builds the 14-octet 0x9205 body. Empty start/end mean no
// limit (six 0xFF octets).
func ListQueryBody(channel, videoType uint8, start, end string) ([]byte, error) {
	b := make([]byte, 0, 14)
	b = append(b, channel, videoType)
	for _, s := range []string{start, end} {
		if s == "" {
			b = append(b, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
			continue
		}
		bcd, err := EncodeBCD(s, 6)
		if err != nil {
			return nil, fmt.Errorf("0x9205 time %q: %w", s, err)
		}
		b = append(b, bcd...)
	}
	return b, nil
}

// DownloadRequestBody builds the 19-octet 0x9102 body.
func DownloadRequestBody(channel uint8, start, end string, alarm uint32, videoType, storage uint8) ([]byte, error) {
	startBCD, err := EncodeBCD(start, 6)
	if err != nil {
		return nil, fmt.Errorf("0x9102 start %q: %w", start, err)
	}
	endBCD, err := EncodeBCD(end, 6)
	if err != nil {
		return nil, fmt.Errorf("0x9102 end %q: %w", end, err)
	}
	b := make([]byte, 19)
	b[0] = channel
	copy(b[1:7], startBCD)
	copy(b[7:13], endBCD)
	binary.BigEndian.PutUint32(b[13:17], alarm)
	b[17] = videoType
	b[18] = storage
	return b, nil
}

// VideoControlBody builds the 4-octet 0x9202 control body.
func VideoControlBody(control, channel, dataType, stream uint8) []byte {
	return []byte{control, channel, dataType, stream}
}
