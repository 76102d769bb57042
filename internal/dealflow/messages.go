package dealflow

import (
	"fmt"
	"time"

	"perpguard/internal/cooldown"
	"perpguard/internal/gateway/exchange"
	"perpguard/internal/gateway/notifier"
	"perpguard/internal/ordermanager"
)

func orderID(o *exchange.Order) string {
	if o == nil {
		return ""
	}
	return o.OrderID
}

func placementMessage(d Deal, req ordermanager.ManagedTradeRequest, res ordermanager.PlacementResult, at time.Time) notifier.Message {
	icon, title := "✅", fmt.Sprintf("%s %s 托管下单成功", d.Pair, d.Direction)
	if !res.Success {
		icon, title = "⚠️", fmt.Sprintf("%s %s 托管下单失败", d.Pair, d.Direction)
	}
	msg := notifier.Message{
		Icon:  icon,
		Title: title,
		Sections: []notifier.Section{
			{Title: "Deal", Lines: []string{
				notifier.KV("id", d.ID),
				notifier.KV("timeframe", d.Timeframe),
				notifier.KV("entry", d.EntryPrice),
				notifier.KV("stop", d.StopPrice),
				notifier.KV("take", d.TakePrice),
				notifier.KV("stop dist %", d.StopDistancePct().Round(2)),
				notifier.KV("profit/loss", d.ProfitLossRatio()),
			}},
			{Title: "Orders", Lines: []string{
				notifier.KV("qty", res.Quantity),
				notifier.KV("limit", res.LimitPrice),
				notifier.KV("entry id", orderID(res.Entry)),
				notifier.KV("stop id", orderID(res.Stop)),
				notifier.KV("trailing id", orderID(res.Trailing)),
				notifier.KV("take profit id", orderID(res.TakeProfit)),
				notifier.KV("activation", req.ActivationPrice.Round(6)),
				notifier.KV("callback %", req.CallbackRate),
			}},
		},
		At: at,
	}
	if !res.Success {
		msg.Footer = res.Message
		if res.RolledBack {
			msg.Footer += " (rolled back)"
		}
	}
	return msg
}

func reconcileMessage(ev ordermanager.ReconcileEvent) notifier.Message {
	icon := "🧹"
	switch ev.Action {
	case ordermanager.ActionRearmed:
		icon = "🛡"
	case ordermanager.ActionFailed:
		icon = "❗"
	}
	return notifier.Message{
		Icon:  icon,
		Title: fmt.Sprintf("%s %s", ev.Symbol, ev.Action),
		Sections: []notifier.Section{{Lines: []string{
			notifier.KV("detail", ev.Detail),
			notifier.KV("error", ev.Error),
		}}},
		At: ev.At,
	}
}

// CooldownMessage 用于熔断激活回调。
func CooldownMessage(st cooldown.State) notifier.Message {
	return notifier.Message{
		Icon:  "⏸",
		Title: "连续" + st.Tracking + "熔断已激活",
		Sections: []notifier.Section{{Lines: []string{
			notifier.KV("outcomes", len(st.Outcomes)),
			notifier.KV("window", st.CheckPeriod),
			notifier.KV("until", st.Finish.UTC().Format(time.DateTime)),
		}}},
		At: st.Start,
	}
}
