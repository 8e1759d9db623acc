package collector

import (
	"strings"

	"github.com/newthinker/augur/internal/core"
)

// DetectMarket infers the market from a symbol suffix.
func DetectMarket(symbol string) core.Market {
	upper := strings.ToUpper(symbol)
	switch {
	case strings.HasSuffix(upper, ".HK"):
		return core.MarketHK
	case strings.HasSuffix(upper, ".SH"), strings.HasSuffix(upper, ".SS"), strings.HasSuffix(upper, ".SZ"):
		return core.MarketCNA
	case strings.HasSuffix(upper, ".L"), strings.HasSuffix(upper, ".DE"), strings.HasSuffix(upper, ".PA"), strings.HasSuffix(upper, ".AS"):
		return core.MarketEU
	default:
		return core.MarketUS
	}
}
