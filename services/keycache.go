package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"
)

// KeyFetcher 拉取一对新的签名密钥
type KeyFetcher func(ctx context.Context) (imgKey, subKey string, err error)

// KeyCache 签名密钥缓存。读取时惰性刷新（过期才拉取），
// 调度器再按 TTL 周期性调用 Refresh 兜底长时间空闲的场景。
type KeyCache struct {
	mu    sync.Mutex
	keys  SigningKeySet
	ttl   time.Duration
	fetch KeyFetcher
	now   func() time.Time
}

// NewKeyCache 创建密钥缓存
func NewKeyCache(fetch KeyFetcher, ttl time.Duration) *KeyCache {
	return &KeyCache{
		fetch: fetch,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Current 返回当前密钥；过期则同步拉取新密钥后返回。
// 锁内先复查再拉取，并发读只会触发一次刷新。
// 过期且刷新失败时返回错误——过期密钥绝不用于签名。
func (c *KeyCache) Current(ctx context.Context) (SigningKeySet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.keys.Empty() && !c.keys.Stale(c.now(), c.ttl) {
		return c.keys, nil
	}

	if err := c.refreshLocked(ctx); err != nil {
		if c.keys.Empty() {
			return SigningKeySet{}, fmt.Errorf("%w: %v", ErrNoKeyMaterial, err)
		}
		return SigningKeySet{}, fmt.Errorf("签名密钥已过期且刷新失败: %v", err)
	}
	return c.keys, nil
}

// Refresh 由调度器触发的主动刷新。失败时仍持有未过期密钥的
// 调用方不受影响，只记录错误。
func (c *KeyCache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *KeyCache) refreshLocked(ctx context.Context) error {
	img, sub, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	if img == "" || sub == "" {
		return fmt.Errorf("平台返回的密钥为空")
	}
	c.keys = SigningKeySet{ImgKey: img, SubKey: sub, FetchedAt: c.now()}
	log.Printf("🔑 签名密钥已刷新 (img: %s...)", safePrefix(img, 8))
	return nil
}

func safePrefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// NewNavKeyFetcher 默认实现：从导航接口解析密钥对。
// 密钥藏在两个图片 URL 的文件名里。
func NewNavKeyFetcher(apiBase string, timeout time.Duration) KeyFetcher {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) (string, string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/x/web-interface/nav", nil)
		if err != nil {
			return "", "", err
		}
		req.Header.Set("User-Agent", defaultFetchUA)
		req.Header.Set("Referer", "https://www.bilibili.com/")

		resp, err := client.Do(req)
		if err != nil {
			return "", "", err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", "", err
		}

		var nav struct {
			Code int `json:"code"`
			Data struct {
				WbiImg struct {
					ImgURL string `json:"img_url"`
					SubURL string `json:"sub_url"`
				} `json:"wbi_img"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &nav); err != nil {
			return "", "", fmt.Errorf("导航响应解析失败: %v", err)
		}
		img := keyFromURL(nav.Data.WbiImg.ImgURL)
		sub := keyFromURL(nav.Data.WbiImg.SubURL)
		if img == "" || sub == "" {
			return "", "", fmt.Errorf("导航响应缺少密钥字段 (code=%d)", nav.Code)
		}
		return img, sub, nil
	}
}

const defaultFetchUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

func keyFromURL(u string) string {
	if u == "" {
		return ""
	}
	base := path.Base(u)
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}
