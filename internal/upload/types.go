package upload

import (
	"errors"
	"net/netip"
	"time"

	"github.com/ChuLiYu/jobfarm/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed Pool 已關閉
	ErrPoolClosed = errors.New("upload pool is closed")
	// ErrPoolNotStarted Pool 尚未啟動
	ErrPoolNotStarted = errors.New("upload pool not started")
	// ErrJobNotFound 任務不存在或已不再接受檔案
	ErrJobNotFound = errors.New("job not found or not accepting files")
	// ErrQueueFull 佇列已達上限
	ErrQueueFull = errors.New("upload queue is full")
	// ErrFileTooLarge 宣告大小超過上限
	ErrFileTooLarge = errors.New("declared file size exceeds limit")
	// ErrInvalidLimit 並發上限必須 >= 1
	ErrInvalidLimit = errors.New("upload limit must be at least 1")
	// ErrTransferAborted 傳輸中止（連線逾時、短讀、寫檔失敗）
	ErrTransferAborted = errors.New("transfer aborted")
	// ErrTrailingData 對端送出的資料超過宣告大小
	ErrTrailingData = errors.New("peer sent more than the declared size")
	// ErrAcceptTimeout 等不到客戶端的資料連線
	ErrAcceptTimeout = errors.New("timed out waiting for transfer connection")
)

// Request 一次上傳申請
type Request struct {
	Job      types.JobKey
	Filename string
	Size     uint64
	Peer     netip.Addr // 申請來源 IP，資料連線必須來自同一 IP
}

// Ticket 已入隊的上傳票據
type Ticket struct {
	Job        types.JobKey
	Filename   string
	Size       uint64
	Peer       netip.Addr
	EnqueuedAt time.Time

	seq   uint64  // 入隊序號，同分時先入隊者優先
	score float64 // 與時間無關的排序鍵
	index int     // heap 內位置
}

// TicketInfo 票據的唯讀副本（管理介面與 /status 使用）
type TicketInfo struct {
	Job        types.JobKey  `json:"job"`
	Filename   string        `json:"filename"`
	Size       uint64        `json:"size"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Waiting    time.Duration `json:"waiting"`
	Priority   float64       `json:"priority"`
	Active     bool          `json:"active"`
}

// Stats 佇列與並發狀態
type Stats struct {
	InFlight int `json:"in_flight"`
	Queued   int `json:"queued"`
	Limit    int `json:"limit"`
}

type ticketKey struct {
	job  types.JobKey
	name string
}

func (t *Ticket) key() ticketKey {
	return ticketKey{job: t.Job, name: t.Filename}
}
