package news

import "strings"

// suspiciousKeywords mark promotional or scammy items; two or more matches
// drop the item.
var suspiciousKeywords = []string{
	"giveaway", "airdrop", "100x", "1000x", "guaranteed", "free money",
	"click here", "sign up", "promo", "referral", "sponsored", "casino",
	"presale", "moonshot", "pump",
}

// emergencyKeywords carry severity weights; severity is scaled by source
// reliability and source weight before the threshold check.
var emergencyKeywords = map[string]float64{
	"hack":          1.8,
	"hacked":        1.8,
	"exploit":       1.7,
	"breach":        1.6,
	"stolen":        1.6,
	"bankruptcy":    1.8,
	"insolvent":     1.7,
	"insolvency":    1.7,
	"halted":        1.5,
	"halts":         1.5,
	"suspends":      1.5,
	"frozen":        1.4,
	"lawsuit":       1.2,
	"sec charges":   1.5,
	"investigation": 1.2,
	"delisting":     1.4,
	"rug pull":      1.7,
	"flash crash":   1.6,
	"liquidations":  1.3,
	"depeg":         1.6,
	"collapse":      1.6,
	"crash":         1.4,
}

// bullishWords and bearishWords drive the keyword fallback scorer
var bullishWords = map[string]float64{
	"surge": 0.6, "surges": 0.6, "rally": 0.6, "rallies": 0.6,
	"soar": 0.7, "soars": 0.7, "jump": 0.5, "jumps": 0.5,
	"gain": 0.4, "gains": 0.4, "record high": 0.8, "all-time high": 0.8,
	"breakout": 0.6, "bullish": 0.6, "adoption": 0.5, "approval": 0.6,
	"approves": 0.6, "etf inflow": 0.6, "upgrade": 0.4, "partnership": 0.4,
	"accumulation": 0.4, "institutional": 0.3, "buy": 0.3, "buying": 0.3,
}

var bearishWords = map[string]float64{
	"plunge": -0.7, "plunges": -0.7, "crash": -0.8, "crashes": -0.8,
	"dump": -0.6, "dumps": -0.6, "drop": -0.4, "drops": -0.4,
	"fall": -0.4, "falls": -0.4, "decline": -0.4, "declines": -0.4,
	"bearish": -0.6, "sell-off": -0.7, "selloff": -0.7, "ban": -0.6,
	"bans": -0.6, "hack": -0.8, "exploit": -0.7, "lawsuit": -0.5,
	"sec charges": -0.6, "liquidations": -0.6, "fear": -0.4,
	"outflow": -0.4, "warning": -0.3, "fraud": -0.7,
}

// symbolKeywords route items to the symbols they mention. Items matching no
// symbol apply market-wide.
var symbolKeywords = map[string][]string{
	"BTCUSDT": {"bitcoin", "btc"},
	"ETHUSDT": {"ethereum", "eth", "ether"},
}

// matchesSymbol reports whether the text mentions the given symbol
func matchesSymbol(text, symbol string) bool {
	lower := strings.ToLower(text)
	for _, kw := range symbolKeywords[symbol] {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// mentionsAnySymbol reports whether the text names any configured symbol
func mentionsAnySymbol(text string, symbols []string) bool {
	for _, sym := range symbols {
		if matchesSymbol(text, sym) {
			return true
		}
	}
	return false
}

func countSuspicious(title string) int {
	lower := strings.ToLower(title)
	count := 0
	for _, kw := range suspiciousKeywords {
		if strings.Contains(lower, kw) {
			count++
		}
	}
	return count
}

// specialCharRatio is the fraction of characters outside letters, digits and
// common punctuation.
func specialCharRatio(title string) float64 {
	if len(title) == 0 {
		return 0
	}
	special := 0
	total := 0
	for _, r := range title {
		total++
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == ' ', r == '.', r == ',', r == ':', r == ';', r == '\'',
			r == '-', r == '%', r == '$', r == '?', r == '!', r == '(', r == ')':
		default:
			special++
		}
	}
	return float64(special) / float64(total)
}
