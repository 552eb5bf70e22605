package notify

import (
	"context"
	"log"

	"github.com/zapbank/backend/internal/models"
)

// Notifier is fire-and-forget: delivery failures are logged and never rolled
// back into the ledger.
type Notifier interface {
	PaymentReceived(ctx context.Context, recipient models.WalletDescriptor, amount uint64, currency string)
	PaymentSent(ctx context.Context, sender models.WalletDescriptor, hash models.PaymentHash)
}

type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) PaymentReceived(_ context.Context, recipient models.WalletDescriptor, amount uint64, currency string) {
	log.Printf("[NOTIFY] Wallet %s received %d %s", recipient.ID, amount, currency)
}

func (n *LogNotifier) PaymentSent(_ context.Context, sender models.WalletDescriptor, hash models.PaymentHash) {
	log.Printf("[NOTIFY] Wallet %s payment %s completed", sender.ID, hash)
}
