package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RetryPolicy bounds the exponential backoff applied to failed commits.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsedTime:  5 * time.Second,
	}
}

// Retrying retries commits that failed with ErrStoreIO. Other errors, and reads, pass
// through untouched.
type Retrying struct {
	Store
	policy RetryPolicy
}

func NewRetrying(s Store, policy RetryPolicy) *Retrying {
	return &Retrying{Store: s, policy: policy}
}

func (r *Retrying) Commit(ctx context.Context, m Mutation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = r.policy.MaxElapsedTime

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := r.Store.Commit(ctx, m)
		if err != nil && !errors.Is(err, ErrStoreIO) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.WithField("component", "store").WithError(err).
			Warnf("commit attempt %d failed, retrying in %s", attempt, next)
	})
}

// Unwrap returns the decorated store.
func (r *Retrying) Unwrap() Store { return r.Store }

var _ Store = (*Retrying)(nil)
