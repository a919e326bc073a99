package parser

import (
	"strings"
	"testing"

	"sig-bridge/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openedEmail = `Subject: TradeStation - New order has been placed for VXX
Order: Buy 225 VXX @ Market
Account: SIM1
Order#: 4-1`

const filledEmail = `Date: 17 Sep 2019 19:50:20 UTC
Subject: TradeStation - Order has been filled for TQQQ
MIME-Version: 1.0
TradeStation - Order has been filled for TQQQ
    Order: Buy 300 TQQQ @ Market
    Qty Filled: 300
    Filled Price: 65.20
    Duration: Day
    Route: Intelligent
    Account: SIMX
    Order#: 5-1`

func newParser(t *testing.T, futures string) *Parser {
	t.Helper()
	p, err := New(Options{FuturesPattern: futures})
	require.NoError(t, err)
	return p
}

func TestParseOpenedOrder(t *testing.T) {
	sig := newParser(t, "").Parse(openedEmail)

	assert.Equal(t, model.ActionBuy, sig.Action)
	assert.Equal(t, "VXX", sig.Symbol)
	assert.Equal(t, 225, sig.Quantity)
	assert.Equal(t, model.OrderMarket, sig.OrderType)
	assert.Equal(t, model.SigOpened, sig.SigType)
	assert.Equal(t, model.SecStock, sig.SecType)
	assert.Equal(t, "SIM1", sig.AccountName)
	assert.Equal(t, "4-1", sig.OrderID)
	assert.False(t, sig.HasPrice())
	assert.True(t, sig.Verify())
}

func TestParseFilledOrderUsesQtyFilled(t *testing.T) {
	body := strings.Replace(filledEmail, "Qty Filled: 300", "Qty Filled: 120", 1)
	sig := newParser(t, "").Parse(body)

	assert.Equal(t, model.SigFilled, sig.SigType)
	assert.Equal(t, 120, sig.Quantity)
	assert.True(t, sig.Price.Equal(decimal.RequireFromString("65.20")))
	assert.Equal(t, "SIMX", sig.AccountName)
	assert.Equal(t, "5-1", sig.OrderID)
	assert.True(t, sig.Verify())
}

func TestParseFilledScenario(t *testing.T) {
	sig := newParser(t, "").Parse(filledEmail)

	assert.Equal(t, 300, sig.Quantity)
	assert.Equal(t, "65.2", sig.Price.String())
	assert.Equal(t, model.SigFilled, sig.SigType)
	assert.True(t, sig.Verify())
}

func TestParseFilledWithoutQtyFilledFailsVerify(t *testing.T) {
	body := strings.Replace(filledEmail, "    Qty Filled: 300\n", "", 1)
	sig := newParser(t, "").Parse(body)

	assert.Equal(t, 0, sig.Quantity)
	assert.False(t, sig.Verify())
}

func TestParseWithoutSubjectMarkerFailsVerify(t *testing.T) {
	inputs := []string{
		strings.Replace(openedEmail, "TradeStation - ", "Broker X ", 1),
		"Order: Buy 225 VXX @ Market\nAccount: SIM1\nOrder#: 4-1",
		"",
		"garbage",
	}
	p := newParser(t, "")
	for _, in := range inputs {
		assert.False(t, p.Parse(in).Verify(), "input %q", in)
	}
}

func TestParseIsDeterministic(t *testing.T) {
	p := newParser(t, "")
	first := p.Parse(filledEmail)
	for i := 0; i < 5; i++ {
		again := p.Parse(filledEmail)
		assert.Equal(t, first.Summary(), again.Summary())
		assert.Equal(t, first.OrderID, again.OrderID)
		assert.True(t, first.Price.Equal(again.Price))
	}
}

func TestParseSynonymsAndThousands(t *testing.T) {
	p := newParser(t, "")

	cover := p.Parse("Subject: TradeStation - New order has been placed for VXX\n" +
		"Order: Buy to Cover 1,100 VXX @ Market\nAccount: SIM1\nOrder#: 1")
	assert.Equal(t, model.ActionBuy, cover.Action)
	assert.Equal(t, 1100, cover.Quantity)
	assert.Equal(t, "VXX", cover.Symbol)

	short := p.Parse("Subject: TradeStation - New order has been placed for VXX\n" +
		"Order: Sell Short 560 VXX @ Market\nAccount: SIM1\nOrder#: 2")
	assert.Equal(t, model.ActionSell, short.Action)
	assert.Equal(t, 560, short.Quantity)
	assert.True(t, short.Verify())
}

func TestParseTestMessageShortCircuits(t *testing.T) {
	body := "Subject: TradeStation - Test Message\nOrder: Buy 1 SPY @ Market\nAccount: A\nOrder#: 1"
	p := newParser(t, "")

	sig := p.Parse(body)
	assert.Equal(t, model.TradeSignal{}, sig)
	assert.True(t, p.IsTestMessage(body))

	_, err := p.ParseAndVerify(body)
	assert.ErrorIs(t, err, ErrParse)
}

func TestIsTestMessageFollowsParsePrecedence(t *testing.T) {
	body := strings.Replace(filledEmail,
		"Subject: TradeStation - Order has been filled for TQQQ",
		"Subject: TradeStation - Order has been filled for TQQQ (test message)", 1)
	p := newParser(t, "")

	assert.False(t, p.IsTestMessage(body))
	sig := p.Parse(body)
	assert.Equal(t, model.SigFilled, sig.SigType)
	assert.True(t, sig.Verify())
}

func TestParseFuturesSymbol(t *testing.T) {
	p := newParser(t, `^ES[FGHJKMNQUVXZ]\d{3}$`)
	sig := p.Parse("Subject: TradeStation - New order has been placed for ESH019\n" +
		"Order: Sell 2 ESH019 @ Market\nAccount: F1\nOrder#: 9-9")

	assert.Equal(t, model.SecFuture, sig.SecType)
	assert.Equal(t, "ESH9", sig.Symbol)
	assert.True(t, sig.Verify())
}

func TestParseShortOrderLine(t *testing.T) {
	sig := newParser(t, "").Parse("Subject: TradeStation - New order has been placed\nOrder: Buy\nAccount: A\nOrder#: 1")
	assert.Equal(t, model.ActionBuy, sig.Action)
	assert.Empty(t, sig.Symbol)
	assert.False(t, sig.Verify())
}

func TestParseAndVerify(t *testing.T) {
	p := newParser(t, "")

	sig, err := p.ParseAndVerify(openedEmail)
	require.NoError(t, err)
	assert.Equal(t, "buy 225 VXX @ market", sig.Summary())

	_, err = p.ParseAndVerify("   ")
	assert.ErrorIs(t, err, ErrParse)

	_, err = p.ParseAndVerify(strings.Replace(openedEmail, "Order#: 4-1", "", 1))
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestNewRejectsBadPattern(t *testing.T) {
	_, err := New(Options{FuturesPattern: "(["})
	assert.Error(t, err)
}
