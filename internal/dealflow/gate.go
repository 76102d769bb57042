package dealflow

import (
	"fmt"

	"perpguard/internal/store"
)

// Limits 是开新仓前的持仓结构限制，0 表示不限制。
type Limits struct {
	MaxActiveDeals  int `json:"max_active_deals"`
	MaxDealsPerPair int `json:"max_deals_per_pair"`
	// MaxDirectionImbalance 限制 |多单数 - 空单数|（计入本笔之后）。
	MaxDirectionImbalance int `json:"max_direction_imbalance"`
}

type Gate struct {
	limits Limits
}

func NewGate(limits Limits) Gate { return Gate{limits: limits} }

func (g Gate) Limits() Limits { return g.limits }

// Check 判断在现有活跃交易基础上能否再接纳 d。
func (g Gate) Check(counts store.DealCounts, d Deal) error {
	l := g.limits
	if l.MaxActiveDeals > 0 && counts.Total >= l.MaxActiveDeals {
		return fmt.Errorf("%w: %d active deals (max %d)", ErrGateRejected, counts.Total, l.MaxActiveDeals)
	}
	if l.MaxDealsPerPair > 0 && counts.Pair >= l.MaxDealsPerPair {
		return fmt.Errorf("%w: %d active deals on %s (max %d)", ErrGateRejected, counts.Pair, d.Pair, l.MaxDealsPerPair)
	}
	if l.MaxDirectionImbalance > 0 {
		longs, shorts := counts.Longs, counts.Shorts
		if d.Direction == Short {
			shorts++
		} else {
			longs++
		}
		diff := longs - shorts
		if diff < 0 {
			diff = -diff
		}
		if diff > l.MaxDirectionImbalance {
			return fmt.Errorf("%w: long/short imbalance %d exceeds %d", ErrGateRejected, diff, l.MaxDirectionImbalance)
		}
	}
	return nil
}
