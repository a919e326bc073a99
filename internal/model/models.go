package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrValidation 信号缺少必填字段或字段取值非法
var ErrValidation = errors.New("signal validation failed")

// Action 交易方向
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// OrderType 订单类型，目前只支持市价单
type OrderType string

const (
	OrderMarket OrderType = "market"
)

// SecType 证券类型，由品种代码推导
type SecType string

const (
	SecStock  SecType = "STK"
	SecFuture SecType = "FUT"
)

// SigType 通知类型: 下单 / 成交
type SigType string

const (
	SigOpened SigType = "opened"
	SigFilled SigType = "filled"
)

// TradeSignal 从交易通知文本中解析出来的结构化信号。
// 解析完成后即不再修改，按值传递。
type TradeSignal struct {
	Action      Action
	Symbol      string
	Quantity    int
	OrderType   OrderType
	AccountName string
	OrderID     string          // 仅用于追踪，不做去重
	Price       decimal.Decimal // 零值表示没有价格
	SecType     SecType
	SigType     SigType

	// 主题行中是否包含来源标识
	SourceMatched bool
}

// HasPrice 是否带成交价
func (s TradeSignal) HasPrice() bool {
	return !s.Price.IsZero()
}

// Validate 返回第一个不满足的校验规则
func (s TradeSignal) Validate() error {
	switch {
	case !s.SourceMatched:
		return fmt.Errorf("%w: unrecognized subject", ErrValidation)
	case s.Symbol == "":
		return fmt.Errorf("%w: no symbol found", ErrValidation)
	case s.Action != ActionBuy && s.Action != ActionSell:
		return fmt.Errorf("%w: unexpected action %q", ErrValidation, s.Action)
	case s.OrderType != OrderMarket:
		return fmt.Errorf("%w: unexpected order type %q", ErrValidation, s.OrderType)
	case s.Quantity <= 0:
		return fmt.Errorf("%w: unexpected quantity %d", ErrValidation, s.Quantity)
	case s.AccountName == "":
		return fmt.Errorf("%w: no account name", ErrValidation)
	case s.OrderID == "":
		return fmt.Errorf("%w: no order id", ErrValidation)
	}
	return nil
}

// Verify 信号是否可以被分发
func (s TradeSignal) Verify() bool {
	return s.Validate() == nil
}

// Summary 人类可读的摘要，例如 "buy 225 VXX @ market price 65.2"
func (s TradeSignal) Summary() string {
	parts := []string{string(s.Action), strconv.Itoa(s.Quantity), s.Symbol, "@", string(s.OrderType)}
	out := strings.Join(parts, " ")
	if s.HasPrice() {
		out += " price " + s.Price.String()
	}
	return out
}

func (s TradeSignal) String() string {
	return fmt.Sprintf("SIGNAL [%s | %s] %s x%d (%s) acct=%s order#=%s",
		s.SigType, s.Action, s.Symbol, s.Quantity, s.SecType, s.AccountName, s.OrderID)
}
