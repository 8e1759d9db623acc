package core

import (
	"fmt"
	"strings"
	"time"
)

// Market represents a trading market
type Market string

const (
	MarketUS  Market = "US"
	MarketHK  Market = "HK"
	MarketCNA Market = "CN_A"
	MarketEU  Market = "EU"
)

// Quote represents a real-time price quote
type Quote struct {
	Symbol string
	Market Market
	Price  float64
	Volume int64
	Time   time.Time
	Source string
}

// IsValid checks if the quote has required fields
func (q Quote) IsValid() bool {
	return q.Symbol != "" && q.Price > 0
}

// OHLCV represents a candlestick/bar
type OHLCV struct {
	Symbol   string
	Interval string // "1h", "1d"
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   int64
	Time     time.Time
}

// Action represents a recommendation issued for a symbol
type Action string

const (
	ActionBuy        Action = "buy"
	ActionSell       Action = "sell"
	ActionHold       Action = "hold"
	ActionStrongBuy  Action = "strong_buy"
	ActionStrongSell Action = "strong_sell"
)

// ParseAction converts a stored value into an Action. Unknown values are
// reported as ErrUnknownAction since they indicate corrupted records.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionBuy, ActionSell, ActionHold, ActionStrongBuy, ActionStrongSell:
		return a, nil
	}
	return "", WrapError(ErrUnknownAction, fmt.Errorf("value %q", s))
}

// IsActionable reports whether the action asks for a position change.
func (a Action) IsActionable() bool {
	return a != ActionHold && a != ""
}

// Direction is the sign of a price move.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionFlat Direction = "flat"
)

// ParseDirection converts a stored value into a Direction.
func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DirectionUp, DirectionDown, DirectionFlat:
		return d, nil
	}
	return "", WrapError(ErrUnknownDirection, fmt.Errorf("value %q", s))
}

// Horizon is a forecast offset.
type Horizon string

const (
	Horizon1H Horizon = "1h"
	Horizon4H Horizon = "4h"
	Horizon1D Horizon = "1d"
)

// Horizons returns all supported horizons, shortest first.
func Horizons() []Horizon {
	return []Horizon{Horizon1H, Horizon4H, Horizon1D}
}

// Duration returns the wall-clock length of the horizon.
func (h Horizon) Duration() time.Duration {
	switch h {
	case Horizon1H:
		return time.Hour
	case Horizon4H:
		return 4 * time.Hour
	case Horizon1D:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ParseHorizon validates a horizon string.
func ParseHorizon(s string) (Horizon, error) {
	h := Horizon(strings.ToLower(strings.TrimSpace(s)))
	if h.Duration() == 0 {
		return "", WrapError(ErrInvalidInput, fmt.Errorf("unknown horizon %q", s))
	}
	return h, nil
}
