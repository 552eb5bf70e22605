package payments

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/zapbank/backend/internal/ledger"
	"github.com/zapbank/backend/internal/lightning"
	"github.com/zapbank/backend/internal/lock"
	"github.com/zapbank/backend/internal/models"
	"github.com/zapbank/backend/internal/money"
	"github.com/zapbank/backend/internal/notify"
	"github.com/zapbank/backend/internal/onchain"
	"github.com/zapbank/backend/internal/prices"
)

// ledgerService is the slice of the ledger facade the payments package uses.
// Narrowed to an interface so tests can mock the ledger without a database.
type ledgerService interface {
	WalletBalance(ctx context.Context, wallet models.WalletDescriptor) (uint64, error)
	RecordIntraledger(ctx context.Context, args ledger.IntraledgerArgs) (models.JournalID, error)
	RecordBtcSend(ctx context.Context, args ledger.SendArgs[money.BTC]) (models.JournalID, error)
	RecordBtcReceive(ctx context.Context, args ledger.ReceiveArgs[money.BTC]) (models.JournalID, error)
	RecordUsdReceive(ctx context.Context, args ledger.ReceiveArgs[money.USD]) (models.JournalID, error)
	RecordFeeReimbursement(ctx context.Context, args ledger.FeeReimbursementArgs) (models.JournalID, error)
	RecordLnSendRevert(ctx context.Context, journalID models.JournalID) (models.JournalID, error)
	VoidJournal(ctx context.Context, journalID models.JournalID) (models.JournalID, error)
	SettlePendingPayments(ctx context.Context, hash models.PaymentHash) error
	IsLnTxRecorded(ctx context.Context, hash models.PaymentHash) (bool, error)
	PendingPayments(ctx context.Context, walletID models.WalletID) ([]models.LedgerEntry, error)
	PendingPaymentsCount(ctx context.Context, walletID models.WalletID) (int, error)
	WalletsWithPendingPayments(ctx context.Context) ([]models.WalletID, error)
	NetVolumeSince(ctx context.Context, wallet models.WalletDescriptor, since time.Time) (int64, error)
}

type lockService interface {
	LockWalletID(ctx context.Context, id models.WalletID, fn func(ctx context.Context) error) error
	LockPaymentHash(ctx context.Context, hash models.PaymentHash, fn func(ctx context.Context) error) error
}

// SendStatus is what the caller learns immediately. A PENDING result is not an
// error: the reconciliation engine resolves it later.
type SendStatus string

const (
	SendStatusSuccess SendStatus = "SUCCESS"
	SendStatusPending SendStatus = "PENDING"
	SendStatusFailed  SendStatus = "FAILED"
)

type SendResult struct {
	Status    SendStatus       `json:"status"`
	JournalID models.JournalID `json:"journalId"`
}

// Executor runs the settlement paths end to end: validate, price, lock, check
// balance, write the journal, then fire off any external work. Ledger writes
// happen inside the wallet lock; node RPCs and notifications happen outside it.
type Executor struct {
	ledger    ledgerService
	locks     lockService
	ln        lightning.Client
	prices    prices.Service
	payouts   onchain.PayoutClient
	notifier  notify.Notifier
	contacts  ContactRecorder
	validator *ValidationHelper

	nodePubkey           models.Pubkey
	feePercentage        float64
	feeFixed             uint64
	withdrawalLimitCents uint64
}

func NewExecutor(
	ledgerSvc ledgerService,
	locks lockService,
	ln lightning.Client,
	priceSvc prices.Service,
	payouts onchain.PayoutClient,
	notifier notify.Notifier,
	contacts ContactRecorder,
) *Executor {
	viper.SetDefault("payments.node_pubkey", "")
	viper.SetDefault("payments.max_fee_percentage", 0.5)
	viper.SetDefault("payments.max_fee_fixed_sats", 13)
	viper.SetDefault("payments.withdrawal_limit_cents", 100_000)

	return &Executor{
		ledger:               ledgerSvc,
		locks:                locks,
		ln:                   ln,
		prices:               priceSvc,
		payouts:              payouts,
		notifier:             notifier,
		contacts:             contacts,
		validator:            NewValidationHelper(),
		nodePubkey:           models.Pubkey(viper.GetString("payments.node_pubkey")),
		feePercentage:        viper.GetFloat64("payments.max_fee_percentage"),
		feeFixed:             viper.GetUint64("payments.max_fee_fixed_sats"),
		withdrawalLimitCents: viper.GetUint64("payments.withdrawal_limit_cents"),
	}
}

// maxRoutingFee reserves the worst-case routing fee for an unprobed route.
func (e *Executor) maxRoutingFee(amount money.Sats) money.Sats {
	percentage := money.NewSats(uint64(float64(amount.Amount) * e.feePercentage / 100))
	return money.Max(percentage, money.NewSats(e.feeFixed))
}

// checkWithdrawalLimit caps a wallet's rolling-day external outflow. The spent
// volume and the new amount are both valued at the mid price; the dealer
// spread must not move what counts against the limit.
func (e *Executor) checkWithdrawalLimit(ctx context.Context, wallet models.WalletDescriptor, amount money.Sats) error {
	volume, err := e.ledger.NetVolumeSince(ctx, wallet, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if volume < 0 {
		volume = 0
	}
	ratio, err := e.prices.MidPriceRatio(ctx)
	if err != nil {
		return err
	}
	spentCents := ratio.CentsFromSats(money.NewSats(uint64(volume)))
	amountCents := ratio.CentsFromSats(amount)
	if spentCents.Amount+amountCents.Amount > e.withdrawalLimitCents {
		return fmt.Errorf("%w: %d of %d cents used in the last day",
			ErrWithdrawalLimitExceeded, spentCents.Amount, e.withdrawalLimitCents)
	}
	return nil
}

// Conversion closures for the flow builder. Dealer prices hard-fail so a
// conversion never runs on a stale quote.
func (e *Executor) usdFromBtc(ctx context.Context) ConvertUsdFromBtc {
	return func(sats money.Sats) (money.Cents, error) {
		ratio, err := e.prices.DealerBuyRatio(ctx)
		if err != nil {
			return money.Cents{}, err
		}
		return ratio.CentsFromSats(sats), nil
	}
}

func (e *Executor) btcFromUsd(ctx context.Context) ConvertBtcFromUsd {
	return func(cents money.Cents) (money.Sats, error) {
		ratio, err := e.prices.DealerSellRatio(ctx)
		if err != nil {
			return money.Sats{}, err
		}
		return ratio.SatsFromCents(cents), nil
	}
}

type IntraledgerSendArgs struct {
	SenderWallet    models.WalletDescriptor `json:"senderWallet" validate:"required"`
	RecipientWallet models.WalletDescriptor `json:"recipientWallet" validate:"required"`
	Amount          uint64                  `json:"amount" validate:"required,gt=0"`
	Memo            string                  `json:"memo,omitempty"`
}

// SendIntraledger settles an on-us transfer. Both wallet movements land in one
// journal entry, so only the sender wallet is locked.
func (e *Executor) SendIntraledger(ctx context.Context, args IntraledgerSendArgs) (*SendResult, error) {
	if err := e.validator.ValidateStruct(&args); err != nil {
		return nil, err
	}

	flow, err := NewFlowBuilder().
		WithoutInvoice(args.Amount, args.Memo).
		WithSenderWallet(args.SenderWallet).
		WithRecipientWallet(args.RecipientWallet).
		WithConversion(e.usdFromBtc(ctx), e.btcFromUsd(ctx)).
		WithoutRoute()
	if err != nil {
		return nil, err
	}

	var journalID models.JournalID
	err = e.locks.LockWalletID(ctx, flow.SenderWallet.ID, func(lockCtx context.Context) error {
		balance, err := e.ledger.WalletBalance(lockCtx, flow.SenderWallet)
		if err != nil {
			return err
		}
		if err := flow.CheckBalanceForSend(balance); err != nil {
			return err
		}
		if err := lock.CheckExpiry(lockCtx); err != nil {
			return err
		}
		journalID, err = e.ledger.RecordIntraledger(lockCtx, ledger.IntraledgerArgs{
			SenderWallet:    flow.SenderWallet,
			RecipientWallet: *flow.RecipientWallet,
			BtcAmount:       flow.BtcAmount,
			UsdAmount:       flow.UsdAmount,
			Hash:            flow.PaymentHash,
			Memo:            flow.Description,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	// Side effects after the lock is gone; neither can undo the transfer.
	e.notifier.PaymentReceived(ctx, *flow.RecipientWallet, flow.UsdAmount.Amount, flow.RecipientWallet.Currency)
	if e.contacts != nil {
		if err := e.contacts.RecordContact(ctx, flow.SenderWallet.AccountID, flow.RecipientWallet.AccountID); err != nil {
			log.Printf("[PAYMENTS] Failed to record contact for %s: %v", flow.SenderWallet.AccountID, err)
		}
	}

	return &SendResult{Status: SendStatusSuccess, JournalID: journalID}, nil
}

type LightningSendArgs struct {
	SenderWallet models.WalletDescriptor `json:"senderWallet" validate:"required"`
	Invoice      DecodedInvoice          `json:"invoice" validate:"required"`
}

// SendViaLightning pays an external invoice. The pending journal entry is
// written inside the wallet lock; the node RPC runs after the lock is
// released, so a slow route never pins the wallet. A timeout from the node
// leaves the entry pending for the reconciliation engine.
func (e *Executor) SendViaLightning(ctx context.Context, args LightningSendArgs) (*SendResult, error) {
	if err := e.validator.ValidateStruct(&args); err != nil {
		return nil, err
	}
	if args.SenderWallet.Currency != money.CurrencyBtc {
		return nil, fmt.Errorf("%w: external sends settle in BTC", ErrBtcWalletRequired)
	}
	if args.Invoice.AmountSats < e.payouts.DustThreshold() {
		return nil, fmt.Errorf("%w: %d sats", onchain.ErrLessThanDustThreshold, args.Invoice.AmountSats)
	}

	amount := money.NewSats(args.Invoice.AmountSats)
	if err := e.checkWithdrawalLimit(ctx, args.SenderWallet, amount); err != nil {
		return nil, err
	}
	maxFee := e.maxRoutingFee(amount)

	flow, err := NewFlowBuilder().
		WithInvoice(args.Invoice).
		WithSenderWallet(args.SenderWallet).
		WithConversion(e.usdFromBtc(ctx), e.btcFromUsd(ctx)).
		WithRoute(maxFee, false)
	if err != nil {
		return nil, err
	}

	var journalID models.JournalID
	err = e.locks.LockWalletID(ctx, flow.SenderWallet.ID, func(lockCtx context.Context) error {
		balance, err := e.ledger.WalletBalance(lockCtx, flow.SenderWallet)
		if err != nil {
			return err
		}
		if err := flow.CheckBalanceForSend(balance); err != nil {
			return err
		}
		if err := lock.CheckExpiry(lockCtx); err != nil {
			return err
		}
		journalID, err = e.ledger.RecordBtcSend(lockCtx, ledger.SendArgs[money.BTC]{
			SenderWallet:      flow.SenderWallet,
			Amount:            flow.BtcAmount,
			MaxFee:            flow.MaxFeeBtc,
			FeeKnownInAdvance: flow.FeeKnownInAdvance,
			TxType:            models.LedgerTxTypePayment,
			PaymentHash:       flow.PaymentHash,
			Pubkey:            args.Invoice.Destination,
			Memo:              flow.Description,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	result, err := e.ln.PayInvoice(ctx, e.nodePubkey, flow.PaymentHash, args.Invoice.Raw, flow.MaxFeeBtc.Amount)
	if err != nil {
		// The payment may still be in flight at the node. Leave the journal
		// pending; only reconciliation may decide it failed.
		log.Printf("[PAYMENTS] Pay invoice %s errored, leaving pending: %v", flow.PaymentHash, err)
		return &SendResult{Status: SendStatusPending, JournalID: journalID}, nil
	}

	switch result.Status {
	case lightning.PaymentStatusSettled:
		if err := e.settleLnSend(ctx, flow, journalID, result.RoundedUpFee); err != nil {
			log.Printf("[PAYMENTS] Failed to settle send %s, reconciliation will retry: %v", flow.PaymentHash, err)
			return &SendResult{Status: SendStatusPending, JournalID: journalID}, nil
		}
		e.notifier.PaymentSent(ctx, flow.SenderWallet, flow.PaymentHash)
		return &SendResult{Status: SendStatusSuccess, JournalID: journalID}, nil

	case lightning.PaymentStatusFailed:
		if _, err := e.ledger.RecordLnSendRevert(ctx, journalID); err != nil {
			log.Printf("[PAYMENTS] Failed to revert send %s, reconciliation will retry: %v", flow.PaymentHash, err)
			return &SendResult{Status: SendStatusPending, JournalID: journalID}, nil
		}
		return &SendResult{Status: SendStatusFailed, JournalID: journalID}, nil

	default:
		return &SendResult{Status: SendStatusPending, JournalID: journalID}, nil
	}
}

func (e *Executor) settleLnSend(ctx context.Context, flow *PaymentFlow, journalID models.JournalID, actualFeeSats uint64) error {
	return e.locks.LockPaymentHash(ctx, flow.PaymentHash, func(lockCtx context.Context) error {
		recorded, err := e.ledger.IsLnTxRecorded(lockCtx, flow.PaymentHash)
		if err != nil {
			return err
		}
		if recorded {
			return nil
		}
		if err := e.ledger.SettlePendingPayments(lockCtx, flow.PaymentHash); err != nil {
			return err
		}
		if flow.FeeKnownInAdvance {
			return nil
		}
		_, err = e.ledger.RecordFeeReimbursement(lockCtx, ledger.FeeReimbursementArgs{
			SenderWallet: flow.SenderWallet,
			JournalID:    journalID,
			PaymentHash:  flow.PaymentHash,
			MaxFee:       flow.MaxFeeBtc,
			ActualFee:    money.NewSats(actualFeeSats),
		})
		return err
	})
}

type OnChainSendArgs struct {
	SenderWallet models.WalletDescriptor `json:"senderWallet" validate:"required"`
	Address      string                  `json:"address" validate:"required"`
	AmountSats   uint64                  `json:"amountSats" validate:"required,gt=0"`
	Memo         string                  `json:"memo,omitempty"`
}

// SendOnChain queues a payout. The miner fee estimate is final at submission,
// so the journal carries fee_known_in_advance and no reimbursement follows.
// The payout service dedupes on journal id; a retry after a crash between the
// ledger write and submission pays at most once.
func (e *Executor) SendOnChain(ctx context.Context, args OnChainSendArgs) (*SendResult, error) {
	if err := e.validator.ValidateStruct(&args); err != nil {
		return nil, err
	}
	if args.SenderWallet.Currency != money.CurrencyBtc {
		return nil, fmt.Errorf("%w: external sends settle in BTC", ErrBtcWalletRequired)
	}
	if args.AmountSats < e.payouts.DustThreshold() {
		return nil, fmt.Errorf("%w: %d sats", onchain.ErrLessThanDustThreshold, args.AmountSats)
	}
	if err := e.checkWithdrawalLimit(ctx, args.SenderWallet, money.NewSats(args.AmountSats)); err != nil {
		return nil, err
	}

	feeSats, err := e.payouts.EstimateFee(ctx, args.Address, args.AmountSats)
	if err != nil {
		return nil, fmt.Errorf("estimate payout fee: %w", err)
	}

	amount := money.NewSats(args.AmountSats)
	fee := money.NewSats(feeSats)

	var journalID models.JournalID
	err = e.locks.LockWalletID(ctx, args.SenderWallet.ID, func(lockCtx context.Context) error {
		balance, err := e.ledger.WalletBalance(lockCtx, args.SenderWallet)
		if err != nil {
			return err
		}
		total := money.Add(amount, fee)
		if balance < total.Amount {
			return fmt.Errorf("%w: balance %d, needed %d %s",
				ErrInsufficientBalance, balance, total.Amount, args.SenderWallet.Currency)
		}
		if err := lock.CheckExpiry(lockCtx); err != nil {
			return err
		}
		journalID, err = e.ledger.RecordBtcSend(lockCtx, ledger.SendArgs[money.BTC]{
			SenderWallet:      args.SenderWallet,
			Amount:            amount,
			MaxFee:            fee,
			FeeKnownInAdvance: true,
			TxType:            models.LedgerTxTypeOnChainPayment,
			PaymentHash:       models.PaymentHash("onchain:" + uuid.NewString()),
			Memo:              args.Memo,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.payouts.SubmitPayout(ctx, journalID, args.Address, args.AmountSats); err != nil {
		if _, voidErr := e.ledger.VoidJournal(ctx, journalID); voidErr != nil {
			log.Printf("[PAYMENTS] CRITICAL payout submit and void both failed for %s: %v / %v", journalID, err, voidErr)
			return nil, fmt.Errorf("submit payout: %w", err)
		}
		return nil, fmt.Errorf("submit payout: %w", err)
	}

	return &SendResult{Status: SendStatusPending, JournalID: journalID}, nil
}

type LightningReceiveArgs struct {
	RecipientWallet models.WalletDescriptor `json:"recipientWallet" validate:"required"`
	PaymentHash     models.PaymentHash      `json:"paymentHash" validate:"required"`
	Pubkey          models.Pubkey           `json:"pubkey"`
	AmountSats      uint64                  `json:"amountSats" validate:"required,gt=0"`
	Memo            string                  `json:"memo,omitempty"`
}

// ReceiveLightning credits a settled inbound invoice. Idempotent on payment
// hash: crediting the same settlement twice returns the original journal.
func (e *Executor) ReceiveLightning(ctx context.Context, args LightningReceiveArgs) (models.JournalID, error) {
	if err := e.validator.ValidateStruct(&args); err != nil {
		return "", err
	}

	viper.SetDefault("payments.deposit_fee_ratio", 0.0)
	depositFeeRatio := viper.GetFloat64("payments.deposit_fee_ratio")

	amount := money.NewSats(args.AmountSats)
	bankFee := money.NewSats(uint64(float64(args.AmountSats) * depositFeeRatio))

	var journalID models.JournalID
	err := e.locks.LockWalletID(ctx, args.RecipientWallet.ID, func(lockCtx context.Context) error {
		var err error
		if args.RecipientWallet.Currency == money.CurrencyUsd {
			usdAmount, convErr := e.usdFromBtc(lockCtx)(amount)
			if convErr != nil {
				return convErr
			}
			if usdAmount.IsZero() {
				return ErrZeroAmountForUsdRecipient
			}
			usdFee := money.NewCents(uint64(float64(usdAmount.Amount) * depositFeeRatio))
			journalID, err = e.ledger.RecordUsdReceive(lockCtx, ledger.ReceiveArgs[money.USD]{
				RecipientWallet: args.RecipientWallet,
				Amount:          usdAmount,
				BankFee:         usdFee,
				PaymentHash:     args.PaymentHash,
				Pubkey:          args.Pubkey,
				Memo:            args.Memo,
			})
			return err
		}
		journalID, err = e.ledger.RecordBtcReceive(lockCtx, ledger.ReceiveArgs[money.BTC]{
			RecipientWallet: args.RecipientWallet,
			Amount:          amount,
			BankFee:         bankFee,
			PaymentHash:     args.PaymentHash,
			Pubkey:          args.Pubkey,
			Memo:            args.Memo,
		})
		return err
	})
	if err != nil {
		return "", err
	}

	e.notifier.PaymentReceived(ctx, args.RecipientWallet, args.AmountSats, args.RecipientWallet.Currency)
	return journalID, nil
}
