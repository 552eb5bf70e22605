package payments

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/zapbank/backend/internal/models"
	"github.com/zapbank/backend/internal/money"
)

// DecodedInvoice carries the fields of a bolt11 invoice the flow needs.
// Decoding itself happens at the API boundary.
type DecodedInvoice struct {
	PaymentHash models.PaymentHash `validate:"required"`
	Destination models.Pubkey      `validate:"required"`
	AmountSats  uint64
	Description string
	Raw         string `validate:"required"`
}

type builderStage int

const (
	stageNew builderStage = iota
	stageAmount
	stageSender
	stageRecipient
	stageConversion
)

type ConvertUsdFromBtc func(money.Sats) (money.Cents, error)
type ConvertBtcFromUsd func(money.Cents) (money.Sats, error)

// FlowBuilder assembles a PaymentFlow step by step and enforces the step
// order: destination -> sender wallet -> recipient wallet (intraledger only)
// -> conversion -> finalize. Any step out of order fails the build with
// ErrInvalidFlowState.
type FlowBuilder struct {
	stage builderStage
	err   error

	inputAmount uint64
	description string
	paymentHash models.PaymentHash
	destination models.Pubkey
	rawInvoice  string

	senderWallet    models.WalletDescriptor
	recipientWallet *models.WalletDescriptor

	usdFromBtc ConvertUsdFromBtc
	btcFromUsd ConvertBtcFromUsd
}

func NewFlowBuilder() *FlowBuilder {
	return &FlowBuilder{stage: stageNew}
}

func (b *FlowBuilder) fail(format string, args ...interface{}) *FlowBuilder {
	if b.err == nil {
		b.err = fmt.Errorf("%w: %s", ErrInvalidFlowState, fmt.Sprintf(format, args...))
	}
	return b
}

// WithInvoice starts a routed Lightning flow from a decoded invoice.
func (b *FlowBuilder) WithInvoice(invoice DecodedInvoice) *FlowBuilder {
	if b.stage != stageNew {
		return b.fail("WithInvoice called at stage %d", b.stage)
	}
	if invoice.PaymentHash == "" || invoice.Destination == "" {
		return b.fail("invoice missing payment hash or destination")
	}
	b.stage = stageAmount
	b.inputAmount = invoice.AmountSats
	b.description = invoice.Description
	b.paymentHash = invoice.PaymentHash
	b.destination = invoice.Destination
	b.rawInvoice = invoice.Raw
	return b
}

// WithoutInvoice starts an intraledger flow. The hash identifying the
// transfer is generated here since there is no invoice to take one from.
func (b *FlowBuilder) WithoutInvoice(amount uint64, memo string) *FlowBuilder {
	if b.stage != stageNew {
		return b.fail("WithoutInvoice called at stage %d", b.stage)
	}
	b.stage = stageAmount
	b.inputAmount = amount
	b.description = memo
	b.paymentHash = models.PaymentHash(uuid.NewString())
	return b
}

func (b *FlowBuilder) WithSenderWallet(wallet models.WalletDescriptor) *FlowBuilder {
	if b.err != nil {
		return b
	}
	if b.stage != stageAmount {
		return b.fail("WithSenderWallet called at stage %d", b.stage)
	}
	b.stage = stageSender
	b.senderWallet = wallet
	return b
}

// WithRecipientWallet attaches the on-us recipient. Routed sends skip this
// step: their recipient is the invoice destination.
func (b *FlowBuilder) WithRecipientWallet(wallet models.WalletDescriptor) *FlowBuilder {
	if b.err != nil {
		return b
	}
	if b.stage != stageSender {
		return b.fail("WithRecipientWallet called at stage %d", b.stage)
	}
	if wallet.ID == b.senderWallet.ID {
		b.err = ErrSelfPayment
		return b
	}
	b.stage = stageRecipient
	b.recipientWallet = &wallet
	return b
}

func (b *FlowBuilder) WithConversion(usdFromBtc ConvertUsdFromBtc, btcFromUsd ConvertBtcFromUsd) *FlowBuilder {
	if b.err != nil {
		return b
	}
	if b.stage != stageSender && b.stage != stageRecipient {
		return b.fail("WithConversion called at stage %d", b.stage)
	}
	if usdFromBtc == nil || btcFromUsd == nil {
		return b.fail("conversion functions must be set")
	}
	b.stage = stageConversion
	b.usdFromBtc = usdFromBtc
	b.btcFromUsd = btcFromUsd
	return b
}

// WithoutRoute finalizes an intraledger flow.
func (b *FlowBuilder) WithoutRoute() (*PaymentFlow, error) {
	flow, err := b.finalize()
	if err != nil {
		return nil, err
	}
	if flow.RecipientWallet == nil {
		return nil, fmt.Errorf("%w: intraledger flow requires a recipient wallet", ErrInvalidFlowState)
	}
	flow.SettlementMethod = models.SettlementIntraLedger
	return flow, nil
}

// WithRoute finalizes a routed Lightning flow, reserving maxFee up front.
func (b *FlowBuilder) WithRoute(maxFee money.Sats, feeKnownInAdvance bool) (*PaymentFlow, error) {
	if b.err == nil && b.destination == "" {
		return nil, fmt.Errorf("%w: routed flow requires an invoice destination", ErrInvalidFlowState)
	}
	flow, err := b.finalize()
	if err != nil {
		return nil, err
	}
	flow.SettlementMethod = models.SettlementLightning
	flow.MaxFeeBtc = maxFee
	flow.FeeKnownInAdvance = feeKnownInAdvance
	return flow, nil
}

func (b *FlowBuilder) finalize() (*PaymentFlow, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.stage != stageConversion {
		return nil, fmt.Errorf("%w: finalize called at stage %d", ErrInvalidFlowState, b.stage)
	}
	if b.inputAmount == 0 {
		return nil, fmt.Errorf("%w: amount not set", ErrInvalidFlowState)
	}

	var (
		btcAmount money.Sats
		usdAmount money.Cents
		err       error
	)
	if b.senderWallet.Currency == money.CurrencyUsd {
		usdAmount = money.NewCents(b.inputAmount)
		btcAmount, err = b.btcFromUsd(usdAmount)
	} else {
		btcAmount = money.NewSats(b.inputAmount)
		usdAmount, err = b.usdFromBtc(btcAmount)
	}
	if err != nil {
		return nil, fmt.Errorf("flow conversion: %w", err)
	}

	if b.recipientWallet != nil &&
		b.recipientWallet.Currency == money.CurrencyUsd &&
		usdAmount.IsZero() {
		return nil, ErrZeroAmountForUsdRecipient
	}

	return &PaymentFlow{
		SenderWallet:    b.senderWallet,
		RecipientWallet: b.recipientWallet,
		InputAmount:     b.inputAmount,
		BtcAmount:       btcAmount,
		UsdAmount:       usdAmount,
		PaymentHash:     b.paymentHash,
		Description:     b.description,
	}, nil
}
