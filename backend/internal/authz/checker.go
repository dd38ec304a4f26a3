package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// HTTPChecker 调外部鉴权服务的 canAccess 决策接口，结果做短 TTL
// 内存缓存。singleflight 包住回源，同一个 key 的并发未命中合并成
// 一次上游请求，编辑高峰时不会打爆鉴权服务。
type HTTPChecker struct {
	client   *http.Client
	checkURL string
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[string]accessEntry
	sf      singleflight.Group

	log *logrus.Entry
}

type accessEntry struct {
	allowed   bool
	expiresAt time.Time
}

type accessReq struct {
	UserID     uint64 `json:"userId"`
	NotebookID string `json:"notebookId"`
	Action     string `json:"action"` // "read" / "write"
}

type accessResp struct {
	Allowed bool `json:"allowed"`
}

func NewHTTPChecker(baseURL string, ttl time.Duration) *HTTPChecker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &HTTPChecker{
		// 超时别太长，鉴权挂了不能拖死编辑链路
		client:   &http.Client{Timeout: 1200 * time.Millisecond},
		checkURL: strings.TrimRight(baseURL, "/") + "/v1/auth/access",
		ttl:      ttl,
		entries:  make(map[string]accessEntry),
		log:      logrus.WithField("component", "authz"),
	}
}

func (h *HTTPChecker) CanAccess(ctx context.Context, userID uint64, notebookID string, action string) (bool, error) {
	key := fmt.Sprintf("access:%d:%s:%s", userID, notebookID, action)

	h.mu.RLock()
	e, ok := h.entries[key]
	h.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.allowed, nil
	}

	v, err, _ := h.sf.Do(key, func() (interface{}, error) {
		allowed, err := h.fetch(ctx, userID, notebookID, action)
		if err != nil {
			return false, err
		}
		h.mu.Lock()
		h.entries[key] = accessEntry{allowed: allowed, expiresAt: time.Now().Add(h.ttl)}
		h.mu.Unlock()
		return allowed, nil
	})
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"user_id":     userID,
			"notebook_id": notebookID,
			"action":      action,
		}).Warn("access check upstream failed")
		return false, err
	}
	allowed, ok := v.(bool)
	if !ok {
		return false, errors.New("internal type error")
	}
	return allowed, nil
}

// PermitAll 放行一切，只给没配鉴权服务的本地联调用
type PermitAll struct{}

func (PermitAll) CanAccess(ctx context.Context, userID uint64, notebookID string, action string) (bool, error) {
	return true, nil
}

func (h *HTTPChecker) fetch(ctx context.Context, userID uint64, notebookID, action string) (bool, error) {
	body, err := json.Marshal(accessReq{UserID: userID, NotebookID: notebookID, Action: action})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.checkURL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	// 403 是明确的拒绝决策，不算上游故障
	if resp.StatusCode == http.StatusForbidden {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("access check non-200: %d", resp.StatusCode)
	}

	var ar accessResp
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return false, err
	}
	return ar.Allowed, nil
}
