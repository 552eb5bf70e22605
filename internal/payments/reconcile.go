package payments

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/spf13/viper"

	"github.com/zapbank/backend/internal/ledger"
	"github.com/zapbank/backend/internal/lightning"
	"github.com/zapbank/backend/internal/models"
	"github.com/zapbank/backend/internal/money"
	"github.com/zapbank/backend/internal/onchain"
)

// invoiceReceiver is how the engine credits a settled inbound invoice; the
// executor's ReceiveLightning satisfies it.
type invoiceReceiver interface {
	ReceiveLightning(ctx context.Context, args LightningReceiveArgs) (models.JournalID, error)
}

// ReconciliationEngine is the sole authority that resolves a pending send to
// settled or failed, and the safety net that credits invoices whose original
// notification was lost. Every step is idempotent, so the whole sweep is
// at-least-once safe: a crash mid-run leaves entries pending for the next run.
type ReconciliationEngine struct {
	ledger     ledgerService
	locks      lockService
	ln         lightning.Client
	payouts    onchain.PayoutClient
	invoices   WalletInvoiceStore
	lnPayments LnPaymentStore
	receiver   invoiceReceiver

	nodePubkey models.Pubkey
}

func NewReconciliationEngine(
	ledgerSvc ledgerService,
	locks lockService,
	ln lightning.Client,
	payouts onchain.PayoutClient,
	invoices WalletInvoiceStore,
	lnPayments LnPaymentStore,
	receiver invoiceReceiver,
) *ReconciliationEngine {
	viper.SetDefault("payments.node_pubkey", "")

	return &ReconciliationEngine{
		ledger:     ledgerSvc,
		locks:      locks,
		ln:         ln,
		payouts:    payouts,
		invoices:   invoices,
		lnPayments: lnPayments,
		receiver:   receiver,
		nodePubkey: models.Pubkey(viper.GetString("payments.node_pubkey")),
	}
}

// Run sweeps on a fixed interval until the context dies.
func (r *ReconciliationEngine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[RECONCILE] Engine running every %s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[RECONCILE] Engine stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			r.ReconcileAll(ctx)
		}
	}
}

// ReconcileAll runs one full sweep. Per-wallet and per-invoice failures are
// logged and skipped; the next sweep retries them.
func (r *ReconciliationEngine) ReconcileAll(ctx context.Context) {
	wallets, err := r.ledger.WalletsWithPendingPayments(ctx)
	if err != nil {
		log.Printf("[RECONCILE] Failed to list wallets with pending payments: %v", err)
	} else {
		for _, walletID := range wallets {
			if err := r.UpdatePendingPayments(ctx, walletID); err != nil {
				log.Printf("[RECONCILE] Pending payments for wallet %s: %v", walletID, err)
			}
		}
	}

	if err := r.UpdatePendingInvoices(ctx); err != nil {
		log.Printf("[RECONCILE] Pending invoices: %v", err)
	}
}

// UpdatePendingPayments resolves every pending send on one wallet. The wallet
// lock serializes against concurrent sends; each hash additionally takes the
// payment-hash lock so a send settling itself at the same moment cannot apply
// the transition twice.
func (r *ReconciliationEngine) UpdatePendingPayments(ctx context.Context, walletID models.WalletID) error {
	// A send may have settled itself since the wallet was listed; skip the
	// lock when there is nothing left to do.
	count, err := r.ledger.PendingPaymentsCount(ctx, walletID)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	return r.locks.LockWalletID(ctx, walletID, func(lockCtx context.Context) error {
		entries, err := r.ledger.PendingPayments(lockCtx, walletID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := r.updatePendingPayment(lockCtx, entry); err != nil {
				log.Printf("[RECONCILE] Payment %s: %v", entry.PaymentHash, err)
			}
		}
		return nil
	})
}

func (r *ReconciliationEngine) updatePendingPayment(ctx context.Context, entry models.LedgerEntry) error {
	return r.locks.LockPaymentHash(ctx, entry.PaymentHash, func(lockCtx context.Context) error {
		recorded, err := r.ledger.IsLnTxRecorded(lockCtx, entry.PaymentHash)
		if err != nil {
			return err
		}
		if recorded {
			return nil
		}

		if entry.TxType == models.LedgerTxTypeOnChainPayment {
			return r.updatePendingPayout(lockCtx, entry)
		}

		lookup, err := r.lookupPayment(lockCtx, entry)
		if err != nil {
			// Transient: the entry stays pending for the next sweep.
			return err
		}

		switch lookup.Status {
		case lightning.PaymentStatusSettled:
			return r.settlePayment(lockCtx, entry, lookup.RoundedUpFee)
		case lightning.PaymentStatusFailed:
			return r.failPayment(lockCtx, entry)
		default:
			return nil
		}
	})
}

// updatePendingPayout resolves an on-chain send against the payout service.
// The payout is addressed by its journal id; the miner fee was final at
// submission, so settling never reimburses anything.
func (r *ReconciliationEngine) updatePendingPayout(ctx context.Context, entry models.LedgerEntry) error {
	status, err := r.payouts.PayoutStatus(ctx, entry.JournalID)
	if err != nil {
		return err
	}

	switch status {
	case onchain.PayoutStatusSettled:
		if err := r.ledger.SettlePendingPayments(ctx, entry.PaymentHash); err != nil {
			return err
		}
		log.Printf("[RECONCILE] Settled payout %s (journal %s)", entry.PaymentHash, entry.JournalID)
		return nil
	case onchain.PayoutStatusFailed:
		if _, err := r.ledger.VoidJournal(ctx, entry.JournalID); err != nil {
			return err
		}
		log.Printf("[RECONCILE] Voided failed payout %s (journal %s)", entry.PaymentHash, entry.JournalID)
		return nil
	default:
		// Still waiting on broadcast or confirmations.
		return nil
	}
}

// lookupPayment asks the node, falling back to our own ln_payments mirror
// when the node has pruned the payment.
func (r *ReconciliationEngine) lookupPayment(ctx context.Context, entry models.LedgerEntry) (*lightning.PaymentLookup, error) {
	lookup, err := r.ln.LookupPayment(ctx, r.nodePubkey, entry.PaymentHash)
	if err == nil {
		return lookup, nil
	}
	if !errors.Is(err, lightning.ErrPaymentNotFound) || r.lnPayments == nil {
		return nil, err
	}

	record, mirrorErr := r.lnPayments.Find(ctx, entry.PaymentHash)
	if mirrorErr != nil {
		return nil, err
	}
	log.Printf("[RECONCILE] Payment %s pruned at node, using mirror status %s", entry.PaymentHash, record.Status)
	return &lightning.PaymentLookup{
		Status:       lightning.PaymentStatus(record.Status),
		RoundedUpFee: record.SatsFee,
	}, nil
}

func (r *ReconciliationEngine) settlePayment(ctx context.Context, entry models.LedgerEntry, actualFeeSats uint64) error {
	if err := r.ledger.SettlePendingPayments(ctx, entry.PaymentHash); err != nil {
		return err
	}

	if !entry.FeeKnownInAdvance {
		sender := models.WalletDescriptor{ID: entry.WalletID, Currency: entry.Currency}
		_, err := r.ledger.RecordFeeReimbursement(ctx, ledger.FeeReimbursementArgs{
			SenderWallet: sender,
			JournalID:    entry.JournalID,
			PaymentHash:  entry.PaymentHash,
			MaxFee:       money.NewSats(entry.Fee),
			ActualFee:    money.NewSats(actualFeeSats),
		})
		if err != nil {
			return err
		}
	}

	r.mirrorPayment(ctx, entry, string(lightning.PaymentStatusSettled), actualFeeSats)
	log.Printf("[RECONCILE] Settled payment %s (journal %s)", entry.PaymentHash, entry.JournalID)
	return nil
}

func (r *ReconciliationEngine) failPayment(ctx context.Context, entry models.LedgerEntry) error {
	if _, err := r.ledger.RecordLnSendRevert(ctx, entry.JournalID); err != nil {
		return err
	}
	r.mirrorPayment(ctx, entry, string(lightning.PaymentStatusFailed), 0)
	log.Printf("[RECONCILE] Voided failed payment %s (journal %s)", entry.PaymentHash, entry.JournalID)
	return nil
}

func (r *ReconciliationEngine) mirrorPayment(ctx context.Context, entry models.LedgerEntry, status string, feeSats uint64) {
	if r.lnPayments == nil {
		return
	}
	err := r.lnPayments.Upsert(ctx, models.LnPaymentRecord{
		PaymentHash: entry.PaymentHash,
		Pubkey:      entry.Pubkey,
		Status:      status,
		SatsFee:     feeSats,
	})
	if err != nil {
		log.Printf("[RECONCILE] Failed to mirror payment %s: %v", entry.PaymentHash, err)
	}
}

// UpdatePendingInvoices sweeps the receive side: invoices settled (or held) at
// the node whose credit we may have missed.
func (r *ReconciliationEngine) UpdatePendingInvoices(ctx context.Context) error {
	invoices, err := r.invoices.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, invoice := range invoices {
		if err := r.updatePendingInvoice(ctx, invoice); err != nil {
			log.Printf("[RECONCILE] Invoice %s: %v", invoice.PaymentHash, err)
		}
	}
	return nil
}

func (r *ReconciliationEngine) updatePendingInvoice(ctx context.Context, invoice models.WalletInvoice) error {
	lookup, err := r.ln.LookupInvoice(ctx, invoice.Pubkey, invoice.PaymentHash)
	if errors.Is(err, lightning.ErrInvoiceNotFound) {
		log.Printf("[RECONCILE] Invoice %s gone at node, removing", invoice.PaymentHash)
		return r.invoices.Delete(ctx, invoice.PaymentHash)
	}
	if err != nil {
		return err
	}

	if lookup.IsCanceled {
		return r.invoices.Delete(ctx, invoice.PaymentHash)
	}

	if !lookup.IsSettled && !lookup.IsHeld && time.Now().After(invoice.ExpiresAt) {
		if err := r.ln.CancelInvoice(ctx, invoice.Pubkey, invoice.PaymentHash); err != nil {
			return err
		}
		log.Printf("[RECONCILE] Canceled expired invoice %s", invoice.PaymentHash)
		return r.invoices.Delete(ctx, invoice.PaymentHash)
	}

	if lookup.IsHeld {
		if err := r.ln.SettleInvoice(ctx, invoice.Pubkey, lookup.Secret); err != nil {
			return err
		}
		log.Printf("[RECONCILE] Settled held invoice %s at node", invoice.PaymentHash)
		lookup.IsSettled = true
	}

	if !lookup.IsSettled {
		return nil
	}

	amount := lookup.ReceivedAmount
	if amount == 0 {
		amount = invoice.AmountSats
	}

	// Credit first, then flip the paid flag; the receive is idempotent on the
	// hash, so a crash between the two only costs a redundant credit attempt.
	recipient := models.WalletDescriptor{ID: invoice.WalletID, Currency: invoice.Currency}
	_, err = r.receiver.ReceiveLightning(ctx, LightningReceiveArgs{
		RecipientWallet: recipient,
		PaymentHash:     invoice.PaymentHash,
		Pubkey:          invoice.Pubkey,
		AmountSats:      amount,
		Memo:            invoice.Memo,
	})
	if err != nil {
		return err
	}

	if err := r.invoices.MarkPaid(ctx, invoice.PaymentHash); err != nil {
		if errors.Is(err, ErrInvoiceNotFound) {
			// Another run marked it between our list and now.
			return nil
		}
		return err
	}
	log.Printf("[RECONCILE] Credited invoice %s to wallet %s", invoice.PaymentHash, invoice.WalletID)
	return nil
}
