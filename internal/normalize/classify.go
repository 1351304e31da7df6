package normalize

import (
	"strings"

	"github.com/sawpanic/listingfuse/internal/model"
)

// Classifier infers an event type from announcement text when the
// collector did not supply one. Patterns are matched case-insensitively
// and the strongest category wins in fixed priority order.
type Classifier struct {
	rules []rule
}

type rule struct {
	event    model.EventType
	keywords []string
}

// defaultRules covers the announcement phrasing of the major venues in
// English, Korean and Chinese. Order is the priority order: an earlier
// category beats any later one regardless of match position.
var defaultRules = []rule{
	{model.EventTradingOpen, []string{
		"trading open", "trading opens", "trading is now open", "trading will open",
		"open trading", "starts trading", "거래 개시", "開盤", "开盘", "开放交易",
	}},
	{model.EventListing, []string{
		"will list", "lists", "new listing", "listing of", "has listed", "will be listed",
		"상장", "신규 거래", "上线", "上市", "新币",
	}},
	{model.EventFuturesLaunch, []string{
		"perpetual", "futures", "usdt-m", "coin-m", "선물", "永续", "合约",
	}},
	{model.EventDepositOpen, []string{
		"deposit open", "deposits open", "deposit is open", "deposits are open",
		"입금", "充值", "充币",
	}},
	{model.EventAirdrop, []string{
		"airdrop", "에어드랍", "空投",
	}},
	{model.EventPriceAlert, []string{
		"price alert", "price surge", "price spike", "pump alert", "急拉", "拉升",
	}},
	{model.EventOIAlert, []string{
		"open interest", "oi surge", "oi alert", "持仓量",
	}},
}

// NewClassifier builds a classifier from the default pattern table.
func NewClassifier() *Classifier {
	return &Classifier{rules: defaultRules}
}

// NewClassifierWithRules builds a classifier from configured patterns,
// keyed by event type in priority order of extra.
func NewClassifierWithRules(extra map[model.EventType][]string) *Classifier {
	rules := make([]rule, 0, len(defaultRules))
	for _, r := range defaultRules {
		if more, ok := extra[r.event]; ok {
			merged := append(append([]string{}, r.keywords...), more...)
			rules = append(rules, rule{event: r.event, keywords: merged})
			continue
		}
		rules = append(rules, r)
	}
	return &Classifier{rules: rules}
}

// Classify returns the strongest matching event type for the text, or
// announcement when nothing matches.
func (c *Classifier) Classify(text string) model.EventType {
	lower := strings.ToLower(text)
	for _, r := range c.rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.event
			}
		}
	}
	return model.EventAnnouncement
}
