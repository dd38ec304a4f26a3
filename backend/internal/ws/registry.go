package ws

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultIdleTimeout   = 5 * time.Minute
)

// Registry 是会话注册表：连接 id -> 活跃连接，同时也是清道夫的
// 扫描对象。锁只护 map 本身，活跃时间戳在每个连接上原子更新，
// 入站消息不用抢注册表的锁。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	sweepInterval time.Duration
	idleTimeout   time.Duration

	log *logrus.Entry
}

func NewRegistry(sweepInterval, idleTimeout time.Duration) *Registry {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Registry{
		conns:         make(map[string]*Conn),
		sweepInterval: sweepInterval,
		idleTimeout:   idleTimeout,
		log:           logrus.WithField("component", "ws-registry"),
	}
}

func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[c.ID()]; ok && cur == c {
		delete(r.conns, c.ID())
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SweepOnce 扫一遍注册表，把空闲超限的连接强制断开，返回断开数。
// 这里只关底层传输；房间摘人、user-left 广播这些走连接自己的
// 断连清理路径，和客户端主动断开是同一条路。
func (r *Registry) SweepOnce(now time.Time) int {
	r.mu.RLock()
	var stale []*Conn
	for _, c := range r.conns {
		if now.Sub(c.LastActivity()) > r.idleTimeout {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		r.log.WithFields(logrus.Fields{
			"conn_id": c.ID(),
			"user_id": c.Identity().ID,
			"idle":    now.Sub(c.LastActivity()).String(),
		}).Info("evict idle connection")
		c.CloseTransport("idle timeout")
	}
	return len(stale)
}

// Run 按固定周期执行清扫，ctx 取消后退出
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.SweepOnce(time.Now())
		case <-ctx.Done():
			return
		}
	}
}
