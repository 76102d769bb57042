package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrSymbolNotFound   = errors.New("symbol not found")
	ErrBelowMinimumSize = errors.New("quantity below minimum tradable size")
	ErrInvalidOrderSize = errors.New("order violates minimum quantity or notional")
	ErrInvalidRiskInput = errors.New("invalid risk sizing input")
	// ErrMisconfigured 标记本地配置缺失或响应缺少必需数据，重试无法恢复。
	ErrMisconfigured    = errors.New("connector misconfigured")
)

// ErrorClass 决定调用方的处理策略：瞬时错误按退避重试，校验错误立即返回，鉴权错误需要停止整个账户。
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassTransient
	ClassValidation
	ClassAuth
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	case ClassAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// 交易所错误码（USDⓈ-M 合约与组合保证金共用）。
const (
	CodeUnknown              int64 = -1000
	CodeDisconnected         int64 = -1001
	CodeUnauthorized         int64 = -1002
	CodeTooManyRequests      int64 = -1003
	CodeUnexpectedResponse   int64 = -1006
	CodeTimeout              int64 = -1007
	CodeServerBusy           int64 = -1008
	CodeTooManyOrders        int64 = -1015
	CodeTimestampOutOfWindow int64 = -1021
	CodeInvalidSignature     int64 = -1022
	CodeInvalidAPIKeyID      int64 = -2008
	CodeUnknownOrder         int64 = -2011
	CodeBadAPIKeyFormat      int64 = -2014
	CodeRejectedMBXKey       int64 = -2015
	CodeNoNeedChangeMargin   int64 = -4046
	CodeDuplicateClientID    int64 = -4116
)

// APIError 是连接器边界上的统一错误，Class 由错误码与 HTTP 状态推断。
type APIError struct {
	Venue      string
	Op         string
	Code       int64
	Message    string
	HTTPStatus int
	Class      ErrorClass
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	prefix := e.Op
	if e.Venue != "" {
		prefix = e.Venue + " " + e.Op
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: code=%d msg=%s (%s)", prefix, e.Code, e.Message, e.Class)
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s: http %d %s (%s)", prefix, e.HTTPStatus, e.Message, e.Class)
	}
	return fmt.Sprintf("%s: %s (%s)", prefix, e.Message, e.Class)
}

// NewAPIError 依据错误码和 HTTP 状态构造并分类。
func NewAPIError(venue, op string, code int64, msg string, status int) *APIError {
	return &APIError{
		Venue:      venue,
		Op:         op,
		Code:       code,
		Message:    msg,
		HTTPStatus: status,
		Class:      ClassifyCode(code, status),
	}
}

func ClassifyCode(code int64, status int) ErrorClass {
	switch code {
	case CodeUnauthorized, CodeInvalidSignature, CodeInvalidAPIKeyID, CodeBadAPIKeyFormat, CodeRejectedMBXKey:
		return ClassAuth
	case CodeUnknown, CodeDisconnected, CodeTooManyRequests, CodeUnexpectedResponse, CodeTimeout,
		CodeServerBusy, CodeTooManyOrders, CodeTimestampOutOfWindow:
		return ClassTransient
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || status >= 500:
		return ClassTransient
	case code != 0 || (status >= 400 && status < 500):
		return ClassValidation
	}
	return ClassTransient
}

// ClassOf 对任意错误给出处理类别；无法识别的网络错误一律视为瞬时错误。
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	switch {
	case errors.Is(err, ErrSymbolNotFound),
		errors.Is(err, ErrBelowMinimumSize),
		errors.Is(err, ErrInvalidOrderSize),
		errors.Is(err, ErrInvalidRiskInput),
		errors.Is(err, ErrMisconfigured):
		return ClassValidation
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	// transport failures (net.Error, url.Error, EOF) and anything unrecognised
	return ClassTransient
}

func IsRetryable(err error) bool { return ClassOf(err) == ClassTransient }

func IsAuth(err error) bool { return ClassOf(err) == ClassAuth }

// HasCode 判断 err 链中是否包含指定交易所错误码。
func HasCode(err error, code int64) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
