// ============================================================================
// jobfarm 控制面協定 - 訊息定義
// ============================================================================
//
// Package: internal/protocol
// 文件: protocol.go
// 功能: 定義客戶端與伺服器之間的 datagram 訊息格式
//
// 線上格式 (big-endian / network order):
//   每個 datagram 恰好一則訊息
//   ┌──────┬──────────────────────┬────────────────────┐
//   │ type │ 固定長度 header 欄位  │ 可變長度 trailer    │
//   │ 1 B  │ (依型別而定)          │ (長度由 header 指定) │
//   └──────┴──────────────────────┴────────────────────┘
//
// 訊息型別:
//   IdentityRequest  (1)  msgid u32
//   IdentityAck      (2)  msgid u32, id[16]
//   Heartbeat        (3)  id[16]
//   JobRequest       (4)  msgid u32, id[16], jobid u32, filecount u8, cmdlen u16, cmd
//   JobAck           (5)  msgid u32, jobid u32, status u8, msglen u16, msg
//   UploadRequest    (6)  msgid u32, id[16], jobid u32, size u64, namelen u16, name
//   UploadAck        (7)  msgid u32, namelen u16, status u8, ip[4], port u16, name
//   JobResult        (8)  msgid u32, id[16], jobid u32, status u8, msglen u16, msg
//   DownloadRequest  (9)  msgid u32, id[16], jobid u32, namelen u16, name
//   DownloadAck      (10) msgid u32, status u8, size u64, namelen u16, name
//
// 錯誤處理:
//   - 任何截斷、未知型別、長度超出範圍 → ErrMalformedMessage
//   - 編碼時欄位過長 → ErrFieldTooLong（不做截斷）
//
// ============================================================================

package protocol

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/ChuLiYu/jobfarm/pkg/types"
)

// ============================================================================
// 常數定義
// ============================================================================

// MessageType 訊息型別標籤（第一個位元組）
type MessageType uint8

const (
	TypeIdentityRequest MessageType = 1
	TypeIdentityAck     MessageType = 2
	TypeHeartbeat       MessageType = 3
	TypeJobRequest      MessageType = 4
	TypeJobAck          MessageType = 5
	TypeUploadRequest   MessageType = 6
	TypeUploadAck       MessageType = 7
	TypeJobResult       MessageType = 8
	TypeDownloadRequest MessageType = 9
	TypeDownloadAck     MessageType = 10
)

var typeNames = map[MessageType]string{
	TypeIdentityRequest: "IdentityRequest",
	TypeIdentityAck:     "IdentityAck",
	TypeHeartbeat:       "Heartbeat",
	TypeJobRequest:      "JobRequest",
	TypeJobAck:          "JobAck",
	TypeUploadRequest:   "UploadRequest",
	TypeUploadAck:       "UploadAck",
	TypeJobResult:       "JobResult",
	TypeDownloadRequest: "DownloadRequest",
	TypeDownloadAck:     "DownloadAck",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Status 回應狀態碼
type Status uint8

const (
	StatusOK             Status = 0
	StatusError          Status = 1
	StatusInvalidRequest Status = 2
	StatusJobExists      Status = 3
	StatusUploadLimit    Status = 4
	StatusFileNotFound   Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusInvalidRequest:
		return "INVALID_REQUEST"
	case StatusJobExists:
		return "JOB_EXISTS"
	case StatusUploadLimit:
		return "UPLOAD_LIMIT"
	case StatusFileNotFound:
		return "FILE_NOT_FOUND"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

const (
	// DefaultPort 控制面預設 UDP 埠
	DefaultPort = 5555
	// MaxFilenameLen 檔名上限（位元組）
	MaxFilenameLen = 256
	// MaxCommandLen 命令字串上限（位元組）
	MaxCommandLen = 1024
	// MaxMessageLen trailer 長度欄位為 u16，最大訊息長度
	MaxMessageLen = 1 + 35 + 0xFFFF
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrMalformedMessage 截斷、未知型別或長度不一致的 datagram
	ErrMalformedMessage = errors.New("malformed message")
	// ErrFieldTooLong 編碼時可變欄位超出上限
	ErrFieldTooLong = errors.New("field too long")
)

// MalformedError 解碼失敗的詳細資訊
type MalformedError struct {
	Type   MessageType
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s: %s", e.Type, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformedMessage }

// ============================================================================
// 訊息結構
// ============================================================================

// Message 所有控制面訊息的共同介面
type Message interface {
	Type() MessageType
	appendTo(b []byte) ([]byte, error)
}

// IdentityRequest 客戶端請求分配識別碼
type IdentityRequest struct {
	RequestID uint32
}

// IdentityAck 伺服器回覆分配的識別碼
type IdentityAck struct {
	RequestID uint32
	ClientID  types.ClientID
}

// Heartbeat 客戶端存活訊號，無回覆
type Heartbeat struct {
	ClientID types.ClientID
}

// JobRequest 提交任務
type JobRequest struct {
	RequestID uint32
	ClientID  types.ClientID
	JobID     types.JobID
	FileCount uint8
	Command   string
}

// JobAck 任務提交回覆
type JobAck struct {
	RequestID uint32
	JobID     types.JobID
	Status    Status
	Message   string
}

// UploadRequest 申請上傳一個檔案
type UploadRequest struct {
	RequestID uint32
	ClientID  types.ClientID
	JobID     types.JobID
	FileSize  uint64
	Filename  string
}

// UploadAck 上傳申請回覆，OK 時附帶傳輸端點
type UploadAck struct {
	RequestID uint32
	Status    Status
	IP        netip.Addr
	Port      uint16
	Filename  string
}

// JobResult 任務執行結果，由伺服器主動推送
type JobResult struct {
	RequestID uint32
	ClientID  types.ClientID
	JobID     types.JobID
	Status    Status
	Message   string
}

// DownloadRequest 申請下載任務目錄中的檔案
type DownloadRequest struct {
	RequestID uint32
	ClientID  types.ClientID
	JobID     types.JobID
	Filename  string
}

// DownloadAck 下載申請回覆
type DownloadAck struct {
	RequestID uint32
	Status    Status
	FileSize  uint64
	Filename  string
}

func (*IdentityRequest) Type() MessageType { return TypeIdentityRequest }
func (*IdentityAck) Type() MessageType     { return TypeIdentityAck }
func (*Heartbeat) Type() MessageType       { return TypeHeartbeat }
func (*JobRequest) Type() MessageType      { return TypeJobRequest }
func (*JobAck) Type() MessageType          { return TypeJobAck }
func (*UploadRequest) Type() MessageType   { return TypeUploadRequest }
func (*UploadAck) Type() MessageType       { return TypeUploadAck }
func (*JobResult) Type() MessageType       { return TypeJobResult }
func (*DownloadRequest) Type() MessageType { return TypeDownloadRequest }
func (*DownloadAck) Type() MessageType     { return TypeDownloadAck }
