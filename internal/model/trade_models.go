package model

import (
	"time"
)

// FillRecord 记录一笔已经发送到券商的订单 (模拟账户使用)
type FillRecord struct {
	OrderID  int64
	Account  string
	Symbol   string
	SecType  SecType
	Action   Action
	Quantity int
	FilledAt time.Time
	Exchange string
	Resubmit bool // 断线重连后的补发
}

// Position 某个品种的净持仓，买入为正卖出为负
type Position struct {
	Symbol   string
	Quantity int
}

// SignedQuantity 按方向返回带符号的数量
func SignedQuantity(action Action, qty int) int {
	if action == ActionSell {
		return -qty
	}
	return qty
}
