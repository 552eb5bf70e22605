package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/zapbank/backend/internal/models"
)

var (
	// ErrLockAcquireTimeout means the lease is held elsewhere and the bounded
	// wait elapsed. Retryable by the caller with backoff.
	ErrLockAcquireTimeout = errors.New("timed out waiting for lock")

	// ErrResourceExpiredLock means the lease expired while the critical
	// section was still running. The operation must not commit.
	ErrResourceExpiredLock = errors.New("lock lease expired during operation")

	// ErrReentrantLock means a closure tried to acquire a lock it already
	// holds. The lock is non-reentrant by construction.
	ErrReentrantLock = errors.New("lock already held by this operation")
)

const (
	walletKeyPrefix      = "lock:wallet:"
	paymentHashKeyPrefix = "lock:paymenthash:"
)

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Service hands out named, mutually exclusive leases keyed by wallet id or
// payment hash. The lease is scoped to a closure and always released (or
// expired) before the call returns.
type Service struct {
	rdb            *redis.Client
	leaseTTL       time.Duration
	acquireTimeout time.Duration
	retryDelay     time.Duration
	token          func() string
}

func NewService(rdb *redis.Client) *Service {
	viper.SetDefault("lock.lease_ttl", 30*time.Second)
	viper.SetDefault("lock.acquire_timeout", 10*time.Second)
	viper.SetDefault("lock.retry_delay", 50*time.Millisecond)

	return &Service{
		rdb:            rdb,
		leaseTTL:       viper.GetDuration("lock.lease_ttl"),
		acquireTimeout: viper.GetDuration("lock.acquire_timeout"),
		retryDelay:     viper.GetDuration("lock.retry_delay"),
		token:          uuid.NewString,
	}
}

// LockWalletID serializes all operations touching the same wallet.
func (s *Service) LockWalletID(ctx context.Context, id models.WalletID, fn func(ctx context.Context) error) error {
	return s.withLock(ctx, walletKeyPrefix+string(id), fn)
}

// LockPaymentHash serializes settle/void work for one payment hash.
func (s *Service) LockPaymentHash(ctx context.Context, hash models.PaymentHash, fn func(ctx context.Context) error) error {
	return s.withLock(ctx, paymentHashKeyPrefix+string(hash), fn)
}

func (s *Service) withLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if heldInContext(ctx, key) {
		return fmt.Errorf("%w: %s", ErrReentrantLock, key)
	}

	token := s.token()
	if err := s.acquire(ctx, key, token); err != nil {
		return err
	}
	defer s.release(key, token)

	// The closure runs against a context that dies with the lease. Callers
	// must check it before any irreversible write.
	lockCtx, cancel := context.WithDeadline(ctx, time.Now().Add(s.leaseTTL))
	defer cancel()

	return fn(markHeld(lockCtx, key))
}

func (s *Service) acquire(ctx context.Context, key, token string) error {
	delay := s.retryDelay
	deadline := time.Now().Add(s.acquireTimeout)

	for {
		ok, err := s.rdb.SetNX(ctx, key, token, s.leaseTTL).Result()
		if err != nil {
			return fmt.Errorf("lock acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if time.Now().Add(delay).After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockAcquireTimeout, key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < time.Second {
			delay *= 2
		}
	}
}

func (s *Service) release(key, token string) {
	// Release must not inherit a cancelled caller context.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	released, err := releaseScript.Run(ctx, s.rdb, []string{key}, token).Int64()
	if err != nil {
		log.Printf("[LOCK] Failed to release %s: %v", key, err)
		return
	}
	if released == 0 {
		// Lease expired and possibly taken over; nothing to delete.
		log.Printf("[LOCK] Lease for %s already expired at release", key)
	}
}

// CheckExpiry is the pre-commit guard for critical sections: it fails with
// ErrResourceExpiredLock once the lease context has died.
func CheckExpiry(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrResourceExpiredLock, err)
	}
	return nil
}

type heldKeysCtxKey struct{}

type heldKey struct {
	key  string
	prev *heldKey
}

func markHeld(ctx context.Context, key string) context.Context {
	prev, _ := ctx.Value(heldKeysCtxKey{}).(*heldKey)
	return context.WithValue(ctx, heldKeysCtxKey{}, &heldKey{key: key, prev: prev})
}

func heldInContext(ctx context.Context, key string) bool {
	for h, _ := ctx.Value(heldKeysCtxKey{}).(*heldKey); h != nil; h = h.prev {
		if h.key == key {
			return true
		}
	}
	return false
}
