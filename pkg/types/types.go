// Package types 定義了 jobfarm 系統中跨模組共用的核心領域模型
package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ClientID 客戶端唯一識別碼（128-bit，線上格式為 16 個原始位元組）
type ClientID [16]byte

// NilClientID 全零識別碼，永遠不會被分配
var NilClientID ClientID

// NewClientID 產生隨機的 128-bit 識別碼
func NewClientID() ClientID {
	return ClientID(uuid.New())
}

// String 以 32 位小寫十六進位表示（管理介面與日誌使用的格式）
func (c ClientID) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero 判斷是否為全零識別碼
func (c ClientID) IsZero() bool {
	return c == NilClientID
}

// ParseClientID 解析 32 位十六進位字串，也接受帶連字號的 UUID 格式
func ParseClientID(s string) (ClientID, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2*len(ClientID{}) {
		var id ClientID
		if _, err := hex.Decode(id[:], []byte(s)); err != nil {
			return NilClientID, fmt.Errorf("invalid client id %q: %w", s, err)
		}
		return id, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return NilClientID, fmt.Errorf("invalid client id %q: %w", s, err)
	}
	return ClientID(u), nil
}

// MarshalText 讓 JSON 輸出使用十六進位字串
func (c ClientID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText 對應 MarshalText
func (c *ClientID) UnmarshalText(b []byte) error {
	id, err := ParseClientID(string(b))
	if err != nil {
		return err
	}
	*c = id
	return nil
}

// JobID 客戶端自選的 32-bit 任務編號，只在同一客戶端內唯一
type JobID uint32

// JobKey 任務的全域唯一鍵 (client, job)
type JobKey struct {
	Client ClientID `json:"client"`
	Job    JobID    `json:"job"`
}

// String 格式: <client hex>_<job id 8 位十六進位>，同時作為工作目錄名稱
func (k JobKey) String() string {
	return fmt.Sprintf("%s_%08x", k.Client, uint32(k.Job))
}

// JobState 任務狀態
type JobState string

// 任務狀態轉換: Submitted → Uploading → Ready → Executing → Completed
const (
	StateSubmitted JobState = "submitted" // 已建立，尚未收到任何檔案
	StateUploading JobState = "uploading" // 已收到部分檔案
	StateReady     JobState = "ready"     // 檔案齊全，等待執行
	StateExecuting JobState = "executing" // 命令執行中
	StateCompleted JobState = "completed" // 已執行完畢（紀錄隨即移除）
)
