// ============================================================================
// jobfarm 客戶端註冊表
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 追蹤存活客戶端（識別碼 → 最後位址、最後心跳時間）
//
// 生命週期:
//   Register()  - 分配新的 128-bit 識別碼
//   Touch()     - 心跳/任何有效訊息刷新 last_seen 與回覆位址
//   Sweep()     - 週期性清除 now - last_seen > timeout 的紀錄
//   Remove()    - 管理員踢除
//
// 並發安全:
//   - sync.RWMutex：查詢使用 RLock，寫入使用 Lock
//   - 查詢時「已過期但尚未被清除」的紀錄視為不存在
//
// ============================================================================

package registry

import (
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/jobfarm/pkg/types"
)

// ErrIDSpaceExhausted 連續產生重複識別碼（實務上不會發生）
var ErrIDSpaceExhausted = errors.New("could not allocate unique client id")

const maxIDAttempts = 8

// ClientInfo 對外公開的客戶端快照
type ClientInfo struct {
	ID       types.ClientID `json:"id"`
	Addr     netip.AddrPort `json:"addr"`
	LastSeen time.Time      `json:"last_seen"`
	JoinedAt time.Time      `json:"joined_at"`
}

type record struct {
	addr      netip.AddrPort
	lastSeen  time.Time
	joinedAt  time.Time
	requestID uint32 // 註冊請求編號，用於辨識重送
}

// Registry 客戶端註冊表
type Registry struct {
	mu      sync.RWMutex
	clients map[types.ClientID]*record
	timeout time.Duration

	newID func() types.ClientID
	now   func() time.Time
}

// New 建立註冊表；timeout 為心跳逾時門檻（HEARTBEAT_TIMEOUT）
func New(timeout time.Duration) *Registry {
	return &Registry{
		clients: make(map[types.ClientID]*record),
		timeout: timeout,
		newID:   types.NewClientID,
		now:     time.Now,
	}
}

// Register 為來自 addr 的客戶端分配識別碼
//
// 同一位址以同一 requestID 重送的註冊請求（ack 遺失）會拿回同一個識別碼。
func (r *Registry) Register(addr netip.AddrPort, requestID uint32) (types.ClientID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, rec := range r.clients {
		if rec.addr == addr && rec.requestID == requestID && !r.expired(rec, now) {
			rec.lastSeen = now
			return id, false, nil
		}
	}

	for i := 0; i < maxIDAttempts; i++ {
		id := r.newID()
		if id.IsZero() {
			continue
		}
		if _, taken := r.clients[id]; taken {
			continue
		}
		r.clients[id] = &record{addr: addr, lastSeen: now, joinedAt: now, requestID: requestID}
		return id, true, nil
	}
	return types.NilClientID, false, ErrIDSpaceExhausted
}

// Touch 刷新 last_seen 與回覆位址；未知或已過期的識別碼回傳 false
func (r *Registry) Touch(id types.ClientID, addr netip.AddrPort) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[id]
	if !ok {
		return false
	}
	now := r.now()
	if r.expired(rec, now) {
		delete(r.clients, id)
		return false
	}
	rec.lastSeen = now
	rec.addr = addr
	return true
}

// Sweep 清除所有逾時紀錄，回傳被清除的識別碼
func (r *Registry) Sweep() []types.ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var evicted []types.ClientID
	for id, rec := range r.clients {
		if r.expired(rec, now) {
			delete(r.clients, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Exists 識別碼是否仍然存活
func (r *Registry) Exists(id types.ClientID) bool {
	_, ok := r.AddressOf(id)
	return ok
}

// AddressOf 最後一次看到的回覆位址
func (r *Registry) AddressOf(id types.ClientID) (netip.AddrPort, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.clients[id]
	if !ok || r.expired(rec, r.now()) {
		return netip.AddrPort{}, false
	}
	return rec.addr, true
}

// Remove 立即移除（管理員踢除）
func (r *Registry) Remove(id types.ClientID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[id]; !ok {
		return false
	}
	delete(r.clients, id)
	return true
}

// Len 目前紀錄數（含尚未清除的過期紀錄）
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot 依加入時間排序的存活客戶端副本
func (r *Registry) Snapshot() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]ClientInfo, 0, len(r.clients))
	for id, rec := range r.clients {
		if r.expired(rec, now) {
			continue
		}
		out = append(out, ClientInfo{ID: id, Addr: rec.addr, LastSeen: rec.lastSeen, JoinedAt: rec.joinedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (r *Registry) expired(rec *record, now time.Time) bool {
	return now.Sub(rec.lastSeen) > r.timeout
}
