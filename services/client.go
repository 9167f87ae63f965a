package services

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yj147/bilibili-sub001/config"
	"github.com/yj147/bilibili-sub001/models"
)

// Credential 一次请求所需的账号凭证
type Credential struct {
	SessionToken string
	CSRF         string
	Buvid3       string
	Buvid4       string
}

// CredentialFromAccount 从账号实体提取请求凭证
func CredentialFromAccount(a *models.Account) Credential {
	return Credential{
		SessionToken: a.SessionToken,
		CSRF:         a.CSRFToken,
		Buvid3:       a.Buvid3,
		Buvid4:       a.Buvid4,
	}
}

// Result 一次平台调用的分类结果
type Result struct {
	Code    int
	Message string
	Data    json.RawMessage
	Class   ErrorClass
	RawBody string
}

// OK 业务是否成功
func (r *Result) Success() bool {
	return r.Class == ClassOK
}

// Err 失败时转成带分类的错误，成功时为 nil
func (r *Result) Err() error {
	if r.Success() {
		return nil
	}
	return &PlatformError{Code: r.Code, Message: r.Message, Class: r.Class}
}

// Client 平台 HTTP 客户端：签名、指纹头轮换、拟人延迟、
// 错误分类与有界退避重试都在这一层完成。
type Client struct {
	http        *http.Client
	keys        *KeyCache
	apiBase     string
	delayMin    time.Duration
	delayMax    time.Duration
	maxAttempts int
	backoffBase time.Duration
	userAgents  []string

	// 测试钩子
	sleep    func(ctx context.Context, d time.Duration) error
	randNorm func() float64
	now      func() time.Time
}

// NewClient 按全局配置构建客户端
func NewClient(keys *KeyCache) *Client {
	min, max := config.GetDelayBounds()
	return &Client{
		http:        &http.Client{Timeout: config.GetRequestTimeout()},
		keys:        keys,
		apiBase:     config.GetAPIBaseURL(),
		delayMin:    min,
		delayMax:    max,
		maxAttempts: config.GetMaxAttempts(),
		backoffBase: config.GetBackoffBase(),
		userAgents:  config.GetUserAgents(),
		sleep:       sleepCtx,
		randNorm:    rand.NormFloat64,
		now:         time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// delayFor 把一个标准正态样本映射成对数正态延迟并收敛到边界内。
// 对数空间的均值取在区间中点，大部分延迟聚在中段，右侧留长尾。
func (c *Client) delayFor(z float64) time.Duration {
	lmin := math.Log(float64(c.delayMin))
	lmax := math.Log(float64(c.delayMax))
	if lmax <= lmin {
		return c.delayMin
	}
	mu := (lmin + lmax) / 2
	sigma := (lmax - lmin) / 6
	d := time.Duration(math.Exp(mu + sigma*z))
	if d < c.delayMin {
		d = c.delayMin
	}
	if d > c.delayMax {
		d = c.delayMax
	}
	return d
}

// humanDelay 发请求前的拟人停顿
func (c *Client) humanDelay(ctx context.Context) error {
	return c.sleep(ctx, c.delayFor(c.randNorm()))
}

// applyHeaders 从固定池里抽一套请求头，避免静态指纹
func (c *Client) applyHeaders(req *http.Request, cred Credential) {
	ua := c.userAgents[rand.Intn(len(c.userAgents))]
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", acceptLanguages[rand.Intn(len(acceptLanguages))])
	// 手动声明 Accept-Encoding 会关闭传输层的自动解压，
	// 池里只放 decodeBody 能解的编码，响应在 once 里按
	// Content-Encoding 手动还原
	req.Header.Set("Accept-Encoding", acceptEncodings[rand.Intn(len(acceptEncodings))])
	req.Header.Set("Referer", "https://www.bilibili.com/")
	req.Header.Set("Origin", "https://www.bilibili.com")
	if cred.SessionToken != "" {
		req.Header.Set("Cookie", CookieHeader(cred.SessionToken, cred.CSRF, cred.Buvid3, cred.Buvid4))
	}
}

var acceptLanguages = []string{
	"zh-CN,zh;q=0.9",
	"zh-CN,zh;q=0.9,en;q=0.8",
	"zh-CN,zh;q=0.8,en-US;q=0.5,en;q=0.3",
}

var acceptEncodings = []string{
	"gzip",
	"gzip, deflate",
}

// decodeBody 按 Content-Encoding 还原响应体
func decodeBody(raw []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return raw, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "deflate":
		// 平台按 RFC 1950 (zlib) 下发；兼容裸 flate 的实现
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer zr.Close()
			return io.ReadAll(zr)
		}
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		return io.ReadAll(fr)
	default:
		return nil, fmt.Errorf("不支持的压缩编码: %q", encoding)
	}
}

// GetSigned 签名 GET：参数经签名器附加 wts/w_rid
func (c *Client) GetSigned(ctx context.Context, apiPath string, params url.Values, cred Credential) (*Result, error) {
	keys, err := c.keys.Current(ctx)
	if err != nil {
		return nil, err
	}
	signed, err := SignParams(params, keys, c.now())
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodGet, c.resolve(apiPath)+"?"+signed.Encode(), "", cred)
}

// PostForm 签名 POST：表单体经签名器附加 wts/w_rid，并注入账号的 csrf
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, cred Credential) (*Result, error) {
	keys, err := c.keys.Current(ctx)
	if err != nil {
		return nil, err
	}
	withCSRF := url.Values{}
	for k, vs := range form {
		for _, v := range vs {
			withCSRF.Add(k, v)
		}
	}
	if cred.CSRF != "" {
		withCSRF.Set("csrf", cred.CSRF)
	}
	signed, err := SignParams(withCSRF, keys, c.now())
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, c.resolve(rawURL), signed.Encode(), cred)
}

// GetJSON 免签名 GET（导航、指纹、扫码轮询这类接口不参与签名）
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values, cred Credential) (*Result, error) {
	u := c.resolve(rawURL)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, u, "", cred)
}

func (c *Client) resolve(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	return c.apiBase + p
}

// do 带重试的请求循环。只有 rate_limited / transient 会退避重试，
// 其它分类一次定论。
func (c *Client) do(ctx context.Context, method, rawURL, body string, cred Credential) (*Result, error) {
	var last *Result
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.humanDelay(ctx); err != nil {
			return nil, err
		}

		res := c.once(ctx, method, rawURL, body, cred)
		last = res
		if !res.Class.Retryable() || attempt == c.maxAttempts {
			return res, nil
		}

		// 指数退避：base * 2^(attempt-1)
		backoff := c.backoffBase * time.Duration(1<<(attempt-1))
		log.Printf("⚠️ 平台返回 %s (code=%d)，第 %d 次重试前退避 %v",
			res.Class, res.Code, attempt, backoff)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
	return last, nil
}

func (c *Client) once(ctx context.Context, method, rawURL, body string, cred Credential) *Result {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return &Result{Code: -1, Message: err.Error(), Class: ClassInvalidInput}
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	c.applyHeaders(req, cred)

	resp, err := c.http.Do(req)
	if err != nil {
		return &Result{Code: -1, Message: err.Error(), Class: ClassTransient}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Result{Code: -1, Message: err.Error(), Class: ClassTransient}
	}
	decoded, decErr := decodeBody(raw, resp.Header.Get("Content-Encoding"))
	if decErr == nil {
		raw = decoded
	}

	// 网关层拦截：412 是风控特征码，5xx 当作瞬时故障。
	// 状态码分类不依赖响应体，先于解压结果判定。
	if resp.StatusCode == http.StatusPreconditionFailed {
		return &Result{Code: codeRequestBlocked, Message: "请求被网关拦截", Class: ClassRiskControl, RawBody: string(raw)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &Result{Code: codeRateLimited, Message: "请求被限流", Class: ClassRateLimited, RawBody: string(raw)}
	}
	if resp.StatusCode >= 500 {
		return &Result{Code: -1, Message: fmt.Sprintf("HTTP %d", resp.StatusCode), Class: ClassTransient, RawBody: string(raw)}
	}
	if decErr != nil {
		return &Result{Code: -1, Message: "响应解压失败: " + decErr.Error(), Class: ClassTransient}
	}

	var envelope struct {
		Code     int             `json:"code"`
		Message  string          `json:"message"`
		Data     json.RawMessage `json:"data"`
		VVoucher string          `json:"v_voucher"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &Result{Code: -1, Message: "响应不是合法 JSON", Class: ClassTransient, RawBody: string(raw)}
	}

	voucher := envelope.VVoucher
	if voucher == "" && len(envelope.Data) > 0 {
		var inner struct {
			VVoucher string `json:"v_voucher"`
		}
		if json.Unmarshal(envelope.Data, &inner) == nil {
			voucher = inner.VVoucher
		}
	}

	return &Result{
		Code:    envelope.Code,
		Message: envelope.Message,
		Data:    envelope.Data,
		Class:   Classify(envelope.Code, voucher),
		RawBody: string(raw),
	}
}
