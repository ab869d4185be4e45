package upload

import (
	"net"
	"net/netip"
	"sync"
	"time"
)

// connQueue 共用監聽埠上已接受、尚未配對的資料連線
//
// Worker 取出票據後，從這裡領取第一條來自票據申請者 IP 的連線；
// 無法解析對端位址的連線（或未記錄來源的票據）視為萬用配對。
// 超過 maxAge 沒被領取的連線會被關閉。
// 佇列已滿或同一 IP 等待中的連線已達 maxPerPeer 時，拒絕的是新連線，
// 已在等待的連線不受影響。
type connQueue struct {
	mu      sync.Mutex
	items   []waitingConn
	arrived chan struct{} // 每次 put 時關閉並更換
	closed  bool
	maxAge  time.Duration
	maxLen  int
	perPeer int
	now     func() time.Time
}

type waitingConn struct {
	conn net.Conn
	peer netip.Addr
	at   time.Time
}

func newConnQueue(maxAge time.Duration, maxLen, maxPerPeer int) *connQueue {
	return &connQueue{
		arrived: make(chan struct{}),
		maxAge:  maxAge,
		maxLen:  maxLen,
		perPeer: maxPerPeer,
		now:     time.Now,
	}
}

// put 放入一條新連線；被拒絕時關閉它並回傳 false
func (q *connQueue) put(conn net.Conn) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		conn.Close()
		return false
	}
	q.expireLocked()

	peer := peerAddr(conn)
	if q.maxLen > 0 && len(q.items) >= q.maxLen {
		conn.Close()
		return false
	}
	if q.perPeer > 0 && peer.IsValid() {
		n := 0
		for _, w := range q.items {
			if w.peer == peer {
				n++
			}
		}
		if n >= q.perPeer {
			conn.Close()
			return false
		}
	}

	q.items = append(q.items, waitingConn{conn: conn, peer: peer, at: q.now()})
	close(q.arrived)
	q.arrived = make(chan struct{})
	return true
}

// take 等待一條與 peer 配對的連線，最多 timeout
func (q *connQueue) take(peer netip.Addr, timeout time.Duration, stop <-chan struct{}) (net.Conn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrPoolClosed
		}
		q.expireLocked()
		for i, w := range q.items {
			if matches(peer, w.peer) {
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.mu.Unlock()
				return w.conn, nil
			}
		}
		ch := q.arrived
		q.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return nil, ErrAcceptTimeout
		case <-stop:
			return nil, ErrPoolClosed
		}
	}
}

func (q *connQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *connQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for _, w := range q.items {
		w.conn.Close()
	}
	q.items = nil
	close(q.arrived)
	q.arrived = make(chan struct{})
}

func (q *connQueue) expireLocked() {
	if q.maxAge <= 0 {
		return
	}
	now := q.now()
	kept := q.items[:0]
	for _, w := range q.items {
		if now.Sub(w.at) > q.maxAge {
			w.conn.Close()
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = waitingConn{}
	}
	q.items = kept
}

func matches(want, got netip.Addr) bool {
	return !want.IsValid() || !got.IsValid() || want == got
}

// peerAddr 連線對端 IP（IPv4-mapped 會還原成 IPv4）
func peerAddr(conn net.Conn) netip.Addr {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
