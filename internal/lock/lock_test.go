package lock

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"

	"github.com/zapbank/backend/internal/models"
)

func newTestService(t *testing.T) (*Service, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	svc := &Service{
		rdb:            db,
		leaseTTL:       30 * time.Second,
		acquireTimeout: time.Millisecond,
		retryDelay:     5 * time.Millisecond,
		token:          func() string { return "token-1" },
	}
	return svc, mock
}

func TestLockWalletID(t *testing.T) {
	walletID := models.WalletID("wallet-1")
	key := "lock:wallet:wallet-1"

	t.Run("acquires, runs closure, releases", func(t *testing.T) {
		svc, mock := newTestService(t)
		mock.ExpectSetNX(key, "token-1", svc.leaseTTL).SetVal(true)
		mock.ExpectEvalSha(releaseScript.Hash(), []string{key}, "token-1").SetVal(int64(1))

		ran := false
		err := svc.LockWalletID(context.Background(), walletID, func(ctx context.Context) error {
			ran = true
			assert.NoError(t, CheckExpiry(ctx))
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, ran)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("held elsewhere times out", func(t *testing.T) {
		svc, mock := newTestService(t)
		mock.ExpectSetNX(key, "token-1", svc.leaseTTL).SetVal(false)

		err := svc.LockWalletID(context.Background(), walletID, func(ctx context.Context) error {
			t.Fatal("closure must not run")
			return nil
		})
		assert.ErrorIs(t, err, ErrLockAcquireTimeout)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("closure error propagates and lock still releases", func(t *testing.T) {
		svc, mock := newTestService(t)
		mock.ExpectSetNX(key, "token-1", svc.leaseTTL).SetVal(true)
		mock.ExpectEvalSha(releaseScript.Hash(), []string{key}, "token-1").SetVal(int64(1))

		wantErr := assert.AnError
		err := svc.LockWalletID(context.Background(), walletID, func(ctx context.Context) error {
			return wantErr
		})
		assert.ErrorIs(t, err, wantErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nested acquisition of same wallet fails", func(t *testing.T) {
		svc, mock := newTestService(t)
		mock.ExpectSetNX(key, "token-1", svc.leaseTTL).SetVal(true)
		mock.ExpectEvalSha(releaseScript.Hash(), []string{key}, "token-1").SetVal(int64(1))

		err := svc.LockWalletID(context.Background(), walletID, func(ctx context.Context) error {
			return svc.LockWalletID(ctx, walletID, func(ctx context.Context) error {
				t.Fatal("nested closure must not run")
				return nil
			})
		})
		assert.ErrorIs(t, err, ErrReentrantLock)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired lease detected before commit", func(t *testing.T) {
		svc, mock := newTestService(t)
		svc.leaseTTL = time.Millisecond
		mock.ExpectSetNX(key, "token-1", svc.leaseTTL).SetVal(true)
		mock.ExpectEvalSha(releaseScript.Hash(), []string{key}, "token-1").SetVal(int64(0))

		err := svc.LockWalletID(context.Background(), walletID, func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return CheckExpiry(ctx)
		})
		assert.ErrorIs(t, err, ErrResourceExpiredLock)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLockPaymentHash(t *testing.T) {
	hash := models.PaymentHash("abc123")
	key := "lock:paymenthash:abc123"

	svc, mock := newTestService(t)
	mock.ExpectSetNX(key, "token-1", svc.leaseTTL).SetVal(true)
	mock.ExpectEvalSha(releaseScript.Hash(), []string{key}, "token-1").SetVal(int64(1))

	err := svc.LockPaymentHash(context.Background(), hash, func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletAndPaymentHashLocksNest(t *testing.T) {
	// Reconciliation takes the wallet lock then a payment-hash lock; the
	// reentrancy guard must only reject the same key.
	svc, mock := newTestService(t)
	walletKey := "lock:wallet:wallet-1"
	hashKey := "lock:paymenthash:abc123"

	mock.ExpectSetNX(walletKey, "token-1", svc.leaseTTL).SetVal(true)
	mock.ExpectSetNX(hashKey, "token-1", svc.leaseTTL).SetVal(true)
	mock.ExpectEvalSha(releaseScript.Hash(), []string{hashKey}, "token-1").SetVal(int64(1))
	mock.ExpectEvalSha(releaseScript.Hash(), []string{walletKey}, "token-1").SetVal(int64(1))

	err := svc.LockWalletID(context.Background(), "wallet-1", func(ctx context.Context) error {
		return svc.LockPaymentHash(ctx, "abc123", func(ctx context.Context) error {
			return nil
		})
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
