package services

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SigningKeySet 从导航接口取回的签名密钥对
type SigningKeySet struct {
	ImgKey    string
	SubKey    string
	FetchedAt time.Time
}

// Empty 是否没有任何密钥材料
func (k SigningKeySet) Empty() bool {
	return k.ImgKey == "" || k.SubKey == ""
}

// Stale 是否超过 TTL
func (k SigningKeySet) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(k.FetchedAt) > ttl
}

// 混淆密钥的重排表。密钥对拼接后按此表取前 32 位得到真正的盐，
// 该表来自对平台前端脚本的逆向，平台改版时需要同步更新。
var mixinKeyTable = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 30, 4,
	22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11, 36, 20, 34, 44, 52,
}

// MixinKey 由密钥对推导混淆盐
func MixinKey(imgKey, subKey string) string {
	raw := imgKey + subKey
	var b strings.Builder
	b.Grow(32)
	for _, idx := range mixinKeyTable {
		if idx < len(raw) {
			b.WriteByte(raw[idx])
		}
		if b.Len() >= 32 {
			break
		}
	}
	return b.String()
}

// 参数值里要剔除的字符，平台前端签名前同样会剔除
const unsafeValueChars = "!'()*"

func sanitizeValue(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		if !strings.ContainsRune(unsafeValueChars, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SignParams 纯函数：给定参数、密钥对和时间戳，返回附带
// wts / w_rid 签名字段的新参数集合。入参不被修改。
func SignParams(params url.Values, keys SigningKeySet, now time.Time) (url.Values, error) {
	if keys.Empty() {
		return nil, ErrNoKeyMaterial
	}

	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, sanitizeValue(v))
		}
	}
	signed.Set("wts", fmt.Sprintf("%d", now.Unix()))

	// Encode 会按键名排序，正是签名要求的顺序
	query := signed.Encode()
	sum := md5.Sum([]byte(query + MixinKey(keys.ImgKey, keys.SubKey)))
	signed.Set("w_rid", hex.EncodeToString(sum[:]))
	return signed, nil
}

// CookieHeader 由账号凭证拼出请求 Cookie，包含会话与设备绑定指纹。
// 缺少 buvid 指纹的请求很快会被风控，所以登录收尾必须补齐。
func CookieHeader(sessionToken, csrf, buvid3, buvid4 string) string {
	parts := []string{"SESSDATA=" + sessionToken, "bili_jct=" + csrf}
	if buvid3 != "" {
		parts = append(parts, "buvid3="+buvid3)
	}
	if buvid4 != "" {
		parts = append(parts, "buvid4="+buvid4)
	}
	return strings.Join(parts, "; ")
}
