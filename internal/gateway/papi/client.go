// Package papi 实现组合保证金（Portfolio Margin）账户的连接器。
// 普通订单与查询使用 query 签名；条件单（止损/止盈/追踪）必须把参数放在表单 body 中签名，
// query 里只带 signature。
package papi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"perpguard/internal/gateway/exchange"

	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "https://papi.binance.com"
	venue          = "papi"
)

// Signing 决定签名覆盖的位置。
type Signing int

const (
	SignQuery Signing = iota
	SignBody
)

// Client 是最小化的 PAPI 签名 HTTP 客户端。secret 只保存在内存中，从不出现在日志或错误里。
type Client struct {
	baseURL    string
	apiKey     string
	secret     []byte
	recvWindow time.Duration
	httpClient *http.Client
	nowFn      func() time.Time
}

func NewClient(baseURL, apiKey, secret string, recvWindow, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if recvWindow <= 0 {
		recvWindow = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		secret:     []byte(secret),
		recvWindow: recvWindow,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		nowFn:      time.Now,
	}
}

// SetHTTPClient 仅用于测试注入。
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.httpClient = hc
	}
}

// EncodeParams 按 key 排序、丢弃空值后做 urlencode，结果即被签名的 payload。
func EncodeParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if strings.TrimSpace(v) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// Sign 返回 payload 的 HMAC-SHA256 十六进制签名。
func Sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) Do(ctx context.Context, op, method, path string, params map[string]string, signing Signing) ([]byte, error) {
	signed := make(map[string]string, len(params)+2)
	for k, v := range params {
		signed[k] = v
	}
	signed["recvWindow"] = strconv.FormatInt(c.recvWindow.Milliseconds(), 10)
	signed["timestamp"] = strconv.FormatInt(c.nowFn().UnixMilli(), 10)
	payload := EncodeParams(signed)
	signature := Sign(c.secret, payload)

	var (
		fullURL string
		body    io.Reader
	)
	if signing == SignBody {
		fullURL = c.baseURL + path + "?signature=" + signature
		body = bytes.NewBufferString(payload)
	} else {
		fullURL = c.baseURL + path + "?" + payload + "&signature=" + signature
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	if signing == SignBody {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", venue, op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", venue, op, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, decodeError(op, resp.StatusCode, raw)
	}
	return raw, nil
}

func decodeError(op string, status int, raw []byte) error {
	if gjson.ValidBytes(raw) {
		parsed := gjson.ParseBytes(raw)
		if code := parsed.Get("code"); code.Exists() {
			return exchange.NewAPIError(venue, op, code.Int(), parsed.Get("msg").String(), status)
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return exchange.NewAPIError(venue, op, 0, msg, status)
}
