// ============================================================================
// jobfarm 上傳優先佇列
// ============================================================================
//
// Package: internal/upload
// 文件: queue.go
// 功能: 依「小檔優先 + 等待老化」排序的上傳票據佇列
//
// 優先權:
//   priority(now) = 1 / size_bytes + (now - enqueued_at).Seconds() × aging_factor
//
//   aging_factor 預設 0.001：1 KiB 小檔的大小項約 0.001，
//   任何大檔等待約一秒即可排到新來的 1 KiB 檔之前
//
//   兩張票據的優先權差:
//     p1 - p2 = 1/s1 - 1/s2 + aging × (t2 - t1)
//   與 now 無關，因此排序在時間推進時保持不變，
//   heap 只需在入隊時計算一次靜態鍵:
//     score = 1/size_bytes - aging × (enqueued_at - epoch).Seconds()
//
// 防餓死:
//   大檔等待越久優先權越高（嚴格遞增），終究會超過新來的小檔
//
// 並發:
//   Queue 本身不加鎖，由 Pool 的互斥鎖保護
//
// ============================================================================

package upload

import (
	"container/heap"
	"sort"
	"time"
)

// inverseSize 1 / size_bytes；0 位元組視為 1 位元組
func inverseSize(size uint64) float64 {
	if size == 0 {
		size = 1
	}
	return 1 / float64(size)
}

// Priority 票據在 now 時刻的優先權
func (t *Ticket) Priority(now time.Time, aging float64) float64 {
	return inverseSize(t.Size) + now.Sub(t.EnqueuedAt).Seconds()*aging
}

// Queue 上傳優先佇列
type Queue struct {
	items ticketHeap
	aging float64
	epoch time.Time
	seq   uint64
}

// NewQueue 建立佇列；epoch 為老化計算的時間原點
func NewQueue(aging float64, epoch time.Time) *Queue {
	return &Queue{aging: aging, epoch: epoch}
}

// Push 入隊，EnqueuedAt 必須已設定
func (q *Queue) Push(t *Ticket) {
	q.seq++
	t.seq = q.seq
	t.score = inverseSize(t.Size) - q.aging*t.EnqueuedAt.Sub(q.epoch).Seconds()
	heap.Push(&q.items, t)
}

// Pop 取出優先權最高的票據；空佇列回傳 nil
func (q *Queue) Pop() *Ticket {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Ticket)
}

// Peek 查看優先權最高的票據
func (q *Queue) Peek() *Ticket {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Len 佇列長度
func (q *Queue) Len() int { return len(q.items) }

// Snapshot 依出隊順序排列的副本
func (q *Queue) Snapshot(now time.Time) []TicketInfo {
	sorted := make(ticketHeap, len(q.items))
	copy(sorted, q.items)
	sort.Slice(sorted, func(i, j int) bool { return sorted.less(i, j) })

	out := make([]TicketInfo, len(sorted))
	for i, t := range sorted {
		out[i] = TicketInfo{
			Job:        t.Job,
			Filename:   t.Filename,
			Size:       t.Size,
			EnqueuedAt: t.EnqueuedAt,
			Waiting:    now.Sub(t.EnqueuedAt),
			Priority:   t.Priority(now, q.aging),
		}
	}
	return out
}

// ============================================================================
// container/heap 實作
// ============================================================================

type ticketHeap []*Ticket

func (h ticketHeap) less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h ticketHeap) Len() int           { return len(h) }
func (h ticketHeap) Less(i, j int) bool { return h.less(i, j) }

func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ticketHeap) Push(x any) {
	t := x.(*Ticket)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
