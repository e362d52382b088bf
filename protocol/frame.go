package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// 错误码，随 error 帧下发给客户端
const (
	CodeUnauth      = "UNAUTH"
	CodeRateLimit   = "RATE_LIMIT"
	CodeBadRequest  = "BAD_REQUEST"
	CodeServerError = "SERVER_ERROR"
)

// WebSocket 关闭码
const (
	CloseNormal      = 1000 // 正常关闭
	CloseSuperseded  = 4001 // 同一用户的新连接取代旧连接
	ClosePolicy      = 4008 // 出站队列超过背压上限
	CloseServerError = 4011 // 不可恢复的内部错误
)

// 入站帧类型
const (
	TypeJoin        = "join"
	TypeMessage     = "message"
	TypeSetName     = "set_name"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
)

// 出站帧类型
const (
	TypeHello          = "hello"
	TypePresence       = "presence"
	TypeHistory        = "history"
	TypeUserTyping     = "user_typing"
	TypeUserTypingStop = "user_typing_stop"
	TypeError          = "error"
)

// WireError 表示一次解码/校验失败，Code 取上面的四个错误码之一。
// Hub 捕获后原样转成 error 帧回给发送方。
type WireError struct {
	Code string
	Msg  string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func badRequest(format string, args ...interface{}) *WireError {
	return &WireError{Code: CodeBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// Member 房间成员快照中的一项
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessagePayload message 帧与 history 帧中的消息体
type MessagePayload struct {
	ID          string   `json:"id"`
	RoomID      string   `json:"room_id"`
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Text        string   `json:"text"`
	Mentions    []string `json:"mentions,omitempty"`
	Ts          int64    `json:"ts"`
}

// Cursor history 帧的续拉游标
type Cursor struct {
	BeforeID string `json:"before_id,omitempty"`
	BeforeTs int64  `json:"before_ts,omitempty"`
}

// Inbound 已通过校验的入站帧。字段按 Type 选用：
//   - join:         RoomID + 可选 SinceTs（HasSince 为真时有效）/ BeforeID，二者互斥
//   - message:      RoomID + Text（已 trim）
//   - set_name:     DisplayName（已 trim）
//   - typing_start: RoomID
//   - typing_stop:  RoomID
type Inbound struct {
	Type        string
	RoomID      string
	Text        string
	DisplayName string
	SinceTs     int64
	HasSince    bool
	BeforeID    string
}

// inboundWire 是入站帧的原始 JSON 形态。未知字段被忽略（向前兼容）。
type inboundWire struct {
	Type        string   `json:"type"`
	RoomID      string   `json:"room_id"`
	Text        string   `json:"text"`
	DisplayName string   `json:"display_name"`
	SinceTs     *float64 `json:"since_ts"`
	BeforeID    *string  `json:"before_id"`
}

// Codec 带字段长度约束的校验式编解码器。
// 所有校验集中在边界处完成，系统其余部分只处理合法值。
type Codec struct {
	messageMaxChars int
	nameMaxChars    int
}

// NewCodec 创建编解码器。maxChars 以 Unicode 字符计。
func NewCodec(messageMaxChars, nameMaxChars int) *Codec {
	if messageMaxChars <= 0 {
		messageMaxChars = 2000
	}
	if nameMaxChars <= 0 {
		nameMaxChars = 50
	}
	return &Codec{
		messageMaxChars: messageMaxChars,
		nameMaxChars:    nameMaxChars,
	}
}

// DecodeInbound 解码并严格校验一个入站帧。
// 失败返回 *WireError（Code 恒为 BAD_REQUEST）。
func (c *Codec) DecodeInbound(data []byte) (*Inbound, error) {
	var wire inboundWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, badRequest("malformed frame")
	}

	switch wire.Type {
	case TypeJoin:
		if wire.RoomID == "" {
			return nil, badRequest("join requires room_id")
		}
		if wire.SinceTs != nil && wire.BeforeID != nil {
			return nil, badRequest("since_ts and before_id are mutually exclusive")
		}
		in := &Inbound{Type: TypeJoin, RoomID: wire.RoomID}
		if wire.SinceTs != nil {
			if *wire.SinceTs < 0 {
				return nil, badRequest("since_ts must be >= 0")
			}
			in.SinceTs = int64(*wire.SinceTs)
			in.HasSince = true
		}
		if wire.BeforeID != nil {
			if *wire.BeforeID == "" {
				return nil, badRequest("before_id must not be empty")
			}
			in.BeforeID = *wire.BeforeID
		}
		return in, nil

	case TypeMessage:
		if wire.RoomID == "" {
			return nil, badRequest("message requires room_id")
		}
		text := strings.TrimSpace(wire.Text)
		if text == "" {
			return nil, badRequest("message text must not be empty")
		}
		if n := utf8.RuneCountInString(text); n > c.messageMaxChars {
			return nil, badRequest("message text exceeds %d characters", c.messageMaxChars)
		}
		return &Inbound{Type: TypeMessage, RoomID: wire.RoomID, Text: text}, nil

	case TypeSetName:
		name := strings.TrimSpace(wire.DisplayName)
		if name == "" {
			return nil, badRequest("display_name must not be empty")
		}
		if n := utf8.RuneCountInString(name); n > c.nameMaxChars {
			return nil, badRequest("display_name exceeds %d characters", c.nameMaxChars)
		}
		return &Inbound{Type: TypeSetName, DisplayName: name}, nil

	case TypeTypingStart, TypeTypingStop:
		if wire.RoomID == "" {
			return nil, badRequest("%s requires room_id", wire.Type)
		}
		return &Inbound{Type: wire.Type, RoomID: wire.RoomID}, nil

	case "":
		return nil, badRequest("missing frame type")

	default:
		return nil, badRequest("unknown frame type %q", wire.Type)
	}
}

type helloFrame struct {
	Type    string   `json:"type"`
	SelfID  string   `json:"self_id"`
	RoomID  string   `json:"room_id"`
	Members []Member `json:"members"`
}

type presenceFrame struct {
	Type    string   `json:"type"`
	RoomID  string   `json:"room_id"`
	Members []Member `json:"members"`
}

type messageFrame struct {
	Type string `json:"type"`
	MessagePayload
}

type historyFrame struct {
	Type       string           `json:"type"`
	RoomID     string           `json:"room_id"`
	Messages   []MessagePayload `json:"messages"`
	NextCursor *Cursor          `json:"next_cursor,omitempty"`
}

type typingFrame struct {
	Type        string `json:"type"`
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type errorFrame struct {
	Type string `json:"type"`
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Hello 编码 hello 帧：自身 ID 与当前房间的成员快照。
func Hello(selfID, roomID string, members []Member) ([]byte, error) {
	return json.Marshal(&helloFrame{Type: TypeHello, SelfID: selfID, RoomID: roomID, Members: members})
}

// Presence 编码房间成员快照帧。快照是全量有序列表，不是增量。
func Presence(roomID string, members []Member) ([]byte, error) {
	return json.Marshal(&presenceFrame{Type: TypePresence, RoomID: roomID, Members: members})
}

// MessageFrame 编码一条已持久化的消息。
func MessageFrame(msg MessagePayload) ([]byte, error) {
	return json.Marshal(&messageFrame{Type: TypeMessage, MessagePayload: msg})
}

// History 编码历史消息帧，消息按时间从旧到新排列。
func History(roomID string, messages []MessagePayload, next *Cursor) ([]byte, error) {
	if messages == nil {
		messages = []MessagePayload{}
	}
	return json.Marshal(&historyFrame{Type: TypeHistory, RoomID: roomID, Messages: messages, NextCursor: next})
}

// UserTyping 编码 user_typing 帧。
func UserTyping(roomID, userID, displayName string) ([]byte, error) {
	return json.Marshal(&typingFrame{Type: TypeUserTyping, RoomID: roomID, UserID: userID, DisplayName: displayName})
}

// UserTypingStop 编码 user_typing_stop 帧。
func UserTypingStop(roomID, userID string) ([]byte, error) {
	return json.Marshal(&typingFrame{Type: TypeUserTypingStop, RoomID: roomID, UserID: userID})
}

// ErrorFrame 编码 error 帧。
func ErrorFrame(code, msg string) ([]byte, error) {
	return json.Marshal(&errorFrame{Type: TypeError, Code: code, Msg: msg})
}
