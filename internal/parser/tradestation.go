package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"sig-bridge/internal/model"

	"github.com/shopspring/decimal"
)

// ErrParse 输入为空或者无法识别
var ErrParse = errors.New("unrecognized signal text")

// DefaultSubjectMarker TradeStation 通知邮件主题中的来源标识
const DefaultSubjectMarker = "tradestation - "

const (
	markerOpened = "new order has been placed"
	markerFilled = "order has been filled"
	markerTest   = "test message"
)

// 文本中的同义词，先替换再按空格切分
var orderSynonyms = strings.NewReplacer(
	"buy to cover", "buy",
	"sell short", "sell",
	",", "",
)

// Options 解析器配置
type Options struct {
	SubjectMarker  string // 为空时使用 DefaultSubjectMarker
	FuturesPattern string // 匹配期货代码的正则，为空表示不识别期货
}

// Parser 把交易通知文本转换成 TradeSignal，无状态，可并发使用
type Parser struct {
	marker  string
	futures *regexp.Regexp
}

// New 构造解析器，期货正则非法时返回错误
func New(opts Options) (*Parser, error) {
	p := &Parser{marker: strings.ToLower(opts.SubjectMarker)}
	if p.marker == "" {
		p.marker = DefaultSubjectMarker
	}
	if opts.FuturesPattern != "" {
		re, err := regexp.Compile(opts.FuturesPattern)
		if err != nil {
			return nil, fmt.Errorf("compile futures pattern: %w", err)
		}
		p.futures = re
	}
	return p, nil
}

// Parse 逐行扫描文本。缺失的字段保持零值，不会返回错误。
//
// order 行的格式是固定的: "order: <action> <qty> <symbol> @ <order_type>"，
// 字段按位置读取。
func (p *Parser) Parse(raw string) model.TradeSignal {
	var sig model.TradeSignal

	for _, rawLine := range strings.Split(raw, "\n") {
		original := strings.TrimSpace(rawLine)
		line := strings.ToLower(original)

		switch {
		case strings.HasPrefix(line, "subject:"):
			if !strings.Contains(line, p.marker) {
				continue
			}
			sig.SourceMatched = true
			switch {
			case strings.Contains(line, markerOpened):
				sig.SigType = model.SigOpened
			case strings.Contains(line, markerFilled):
				sig.SigType = model.SigFilled
			case strings.Contains(line, markerTest):
				return model.TradeSignal{}
			}

		case strings.HasPrefix(line, "order:"):
			fields := strings.Fields(orderSynonyms.Replace(line))
			sig.Action = model.Action(token(fields, 1))
			if sig.SigType == model.SigOpened {
				sig.Quantity = atoi(token(fields, 2))
			}
			sig.Symbol = strings.ToUpper(token(fields, 3))
			sig.OrderType = model.OrderType(token(fields, 5))

		case strings.HasPrefix(line, "qty filled:"):
			if sig.SigType == model.SigFilled {
				fields := strings.Fields(strings.ReplaceAll(line, ",", ""))
				sig.Quantity = atoi(token(fields, 2))
			}

		case strings.HasPrefix(line, "filled price:"):
			fields := strings.Fields(strings.ReplaceAll(line, ",", ""))
			if price, err := decimal.NewFromString(token(fields, 2)); err == nil {
				sig.Price = price
			}

		case strings.HasPrefix(line, "account:"):
			sig.AccountName = token(strings.Fields(original), 1)

		case strings.HasPrefix(line, "order#:"):
			sig.OrderID = token(strings.Fields(original), 1)
		}
	}

	sig.Symbol, sig.SecType = p.classify(sig.Symbol)
	return sig
}

// ParseAndVerify 解析并校验，失败时分别返回 ErrParse 或 model.ErrValidation
func (p *Parser) ParseAndVerify(raw string) (model.TradeSignal, error) {
	if strings.TrimSpace(raw) == "" {
		return model.TradeSignal{}, fmt.Errorf("%w: empty body", ErrParse)
	}
	sig := p.Parse(raw)
	if sig == (model.TradeSignal{}) {
		return sig, fmt.Errorf("%w: no recognizable fields", ErrParse)
	}
	if err := sig.Validate(); err != nil {
		return sig, err
	}
	return sig, nil
}

// IsTestMessage 主题是否为 TradeStation 的测试邮件
func (p *Parser) IsTestMessage(raw string) bool {
	for _, rawLine := range strings.Split(raw, "\n") {
		line := strings.ToLower(strings.TrimSpace(rawLine))
		if strings.HasPrefix(line, "subject:") {
			if !strings.Contains(line, p.marker) {
				return false
			}
			// 与 Parse 的判断顺序一致: 下单、成交优先于测试
			if strings.Contains(line, markerOpened) || strings.Contains(line, markerFilled) {
				return false
			}
			return strings.Contains(line, markerTest)
		}
	}
	return false
}

// classify 期货代码去掉末位之前的两位 (月份/年份压缩)，以匹配下单端的格式
func (p *Parser) classify(symbol string) (string, model.SecType) {
	if symbol == "" {
		return symbol, ""
	}
	if p.futures == nil || !p.futures.MatchString(symbol) || len(symbol) < 3 {
		return symbol, model.SecStock
	}
	n := len(symbol)
	return symbol[:n-3] + symbol[n-1:], model.SecFuture
}

func token(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return fields[i]
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
