package ordermanager

import (
	"strings"

	"perpguard/internal/gateway/exchange"

	"github.com/google/uuid"
)

var clientIDNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("perpguard.client-order-id"))

// ClientOrderID 由交易意图与订单角色确定性地生成客户端订单号，
// 同一意图重放时得到相同的 id，格式为 "pg" + 32 位十六进制（交易所上限 36 字符）。
func ClientOrderID(intentKey string, kind exchange.OrderKind) string {
	id := uuid.NewSHA1(clientIDNamespace, []byte(intentKey+"|"+string(kind)))
	return "pg" + strings.ReplaceAll(id.String(), "-", "")
}
