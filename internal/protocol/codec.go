// ============================================================================
// jobfarm 控制面協定 - 編碼與解碼
// ============================================================================
//
// Package: internal/protocol
// 文件: codec.go
// 功能: Message <-> []byte 的雙向轉換
//
// 設計:
//   - Encode 使用 append 風格，一次配置
//   - Decode 使用帶「黏性錯誤」的 reader：第一次越界後所有讀取都回傳零值，
//     最後統一檢查 err，避免每個欄位都寫 if
//   - trailer 長度必須與剩餘位元組完全相等，多餘或不足都視為 malformed
//
// ============================================================================

package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/ChuLiYu/jobfarm/pkg/types"
)

// Encode 將訊息編碼為單一 datagram
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, 1, 64)
	buf[0] = byte(m.Type())
	return m.appendTo(buf)
}

// Decode 解碼單一 datagram
//
// 錯誤處理：
//   - 空 buffer、未知型別、截斷、trailer 長度不符 → 包裝 ErrMalformedMessage
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, &MalformedError{Reason: "empty datagram"}
	}
	t := MessageType(b[0])
	r := &reader{buf: b[1:], typ: t}

	var m Message
	switch t {
	case TypeIdentityRequest:
		m = &IdentityRequest{RequestID: r.u32()}
	case TypeIdentityAck:
		m = &IdentityAck{RequestID: r.u32(), ClientID: r.id()}
	case TypeHeartbeat:
		m = &Heartbeat{ClientID: r.id()}
	case TypeJobRequest:
		msg := &JobRequest{RequestID: r.u32(), ClientID: r.id(), JobID: types.JobID(r.u32()), FileCount: r.u8()}
		msg.Command = r.text(int(r.u16()), MaxCommandLen)
		m = msg
	case TypeJobAck:
		msg := &JobAck{RequestID: r.u32(), JobID: types.JobID(r.u32()), Status: Status(r.u8())}
		msg.Message = r.text(int(r.u16()), 0)
		m = msg
	case TypeUploadRequest:
		msg := &UploadRequest{RequestID: r.u32(), ClientID: r.id(), JobID: types.JobID(r.u32()), FileSize: r.u64()}
		msg.Filename = r.text(int(r.u16()), MaxFilenameLen)
		m = msg
	case TypeUploadAck:
		msg := &UploadAck{RequestID: r.u32()}
		n := int(r.u16())
		msg.Status = Status(r.u8())
		msg.IP = netip.AddrFrom4(r.ip4())
		msg.Port = r.u16()
		msg.Filename = r.text(n, MaxFilenameLen)
		m = msg
	case TypeJobResult:
		msg := &JobResult{RequestID: r.u32(), ClientID: r.id(), JobID: types.JobID(r.u32()), Status: Status(r.u8())}
		msg.Message = r.text(int(r.u16()), 0)
		m = msg
	case TypeDownloadRequest:
		msg := &DownloadRequest{RequestID: r.u32(), ClientID: r.id(), JobID: types.JobID(r.u32())}
		msg.Filename = r.text(int(r.u16()), MaxFilenameLen)
		m = msg
	case TypeDownloadAck:
		msg := &DownloadAck{RequestID: r.u32(), Status: Status(r.u8()), FileSize: r.u64()}
		msg.Filename = r.text(int(r.u16()), MaxFilenameLen)
		m = msg
	default:
		return nil, &MalformedError{Type: t, Reason: "unknown message type"}
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, &MalformedError{Type: t, Reason: fmt.Sprintf("%d trailing bytes", len(r.buf))}
	}
	return m, nil
}

// ============================================================================
// 各訊息的編碼
// ============================================================================

func (m *IdentityRequest) appendTo(b []byte) ([]byte, error) {
	return binary.BigEndian.AppendUint32(b, m.RequestID), nil
}

func (m *IdentityAck) appendTo(b []byte) ([]byte, error) {
	b = binary.BigEndian.AppendUint32(b, m.RequestID)
	return append(b, m.ClientID[:]...), nil
}

func (m *Heartbeat) appendTo(b []byte) ([]byte, error) {
	return append(b, m.ClientID[:]...), nil
}

func (m *JobRequest) appendTo(b []byte) ([]byte, error) {
	if err := checkLen("command", m.Command, MaxCommandLen); err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint32(b, m.RequestID)
	b = append(b, m.ClientID[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(m.JobID))
	b = append(b, m.FileCount)
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.Command)))
	return append(b, m.Command...), nil
}

func (m *JobAck) appendTo(b []byte) ([]byte, error) {
	if err := checkLen("message", m.Message, 0xFFFF); err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint32(b, m.RequestID)
	b = binary.BigEndian.AppendUint32(b, uint32(m.JobID))
	b = append(b, byte(m.Status))
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.Message)))
	return append(b, m.Message...), nil
}

func (m *UploadRequest) appendTo(b []byte) ([]byte, error) {
	if err := checkLen("filename", m.Filename, MaxFilenameLen); err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint32(b, m.RequestID)
	b = append(b, m.ClientID[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(m.JobID))
	b = binary.BigEndian.AppendUint64(b, m.FileSize)
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.Filename)))
	return append(b, m.Filename...), nil
}

func (m *UploadAck) appendTo(b []byte) ([]byte, error) {
	if err := checkLen("filename", m.Filename, MaxFilenameLen); err != nil {
		return nil, err
	}
	var ip [4]byte
	if addr := m.IP.Unmap(); addr.Is4() {
		ip = addr.As4()
	}
	b = binary.BigEndian.AppendUint32(b, m.RequestID)
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.Filename)))
	b = append(b, byte(m.Status))
	b = append(b, ip[:]...)
	b = binary.BigEndian.AppendUint16(b, m.Port)
	return append(b, m.Filename...), nil
}

func (m *JobResult) appendTo(b []byte) ([]byte, error) {
	if err := checkLen("message", m.Message, 0xFFFF); err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint32(b, m.RequestID)
	b = append(b, m.ClientID[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(m.JobID))
	b = append(b, byte(m.Status))
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.Message)))
	return append(b, m.Message...), nil
}

func (m *DownloadRequest) appendTo(b []byte) ([]byte, error) {
	if err := checkLen("filename", m.Filename, MaxFilenameLen); err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint32(b, m.RequestID)
	b = append(b, m.ClientID[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(m.JobID))
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.Filename)))
	return append(b, m.Filename...), nil
}

func (m *DownloadAck) appendTo(b []byte) ([]byte, error) {
	if err := checkLen("filename", m.Filename, MaxFilenameLen); err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint32(b, m.RequestID)
	b = append(b, byte(m.Status))
	b = binary.BigEndian.AppendUint64(b, m.FileSize)
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.Filename)))
	return append(b, m.Filename...), nil
}

func checkLen(field, s string, limit int) error {
	if len(s) > limit {
		return fmt.Errorf("%s is %d bytes, limit %d: %w", field, len(s), limit, ErrFieldTooLong)
	}
	return nil
}

// ============================================================================
// reader - 黏性錯誤的 big-endian 讀取器
// ============================================================================

type reader struct {
	buf []byte
	typ MessageType
	err error
}

func (r *reader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = &MalformedError{Type: r.typ, Reason: fmt.Sprintf("truncated at %s: need %d bytes, have %d", field, n, len(r.buf))}
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) u8() uint8 {
	if b := r.take(1, "u8"); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2, "u16"); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4, "u32"); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8, "u64"); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) id() types.ClientID {
	var id types.ClientID
	if b := r.take(len(id), "client id"); b != nil {
		copy(id[:], b)
	}
	return id
}

func (r *reader) ip4() [4]byte {
	var ip [4]byte
	if b := r.take(4, "ip"); b != nil {
		copy(ip[:], b)
	}
	return ip
}

// text 讀取長度為 n 的 trailer；limit > 0 時同時檢查上限
func (r *reader) text(n, limit int) string {
	if r.err != nil {
		return ""
	}
	if limit > 0 && n > limit {
		r.err = &MalformedError{Type: r.typ, Reason: fmt.Sprintf("trailer length %d exceeds %d", n, limit)}
		return ""
	}
	if n != len(r.buf) {
		r.err = &MalformedError{Type: r.typ, Reason: fmt.Sprintf("trailer length %d, have %d bytes", n, len(r.buf))}
		return ""
	}
	return string(r.take(n, "trailer"))
}
