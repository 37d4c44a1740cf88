package redemption

import (
	"context"
	"time"

	"offer-redemption-engine/internal/apperr"
	"offer-redemption-engine/internal/ledger"
	"offer-redemption-engine/internal/models"
)

// CommitPolicy bounds the final commit. It is the only step with a timeout;
// every human-paced step waits as long as the operator needs.
type CommitPolicy struct {
	Timeout  time.Duration `mapstructure:"timeout"`  // per attempt
	Attempts int           `mapstructure:"attempts"` // total tries, at least 1
	Backoff  time.Duration `mapstructure:"backoff"`  // doubled after each failed try
}

// DefaultCommitPolicy is used when a zero policy is configured.
func DefaultCommitPolicy() CommitPolicy {
	return CommitPolicy{Timeout: 5 * time.Second, Attempts: 3, Backoff: 200 * time.Millisecond}
}

func (p CommitPolicy) normalized() CommitPolicy {
	d := DefaultCommitPolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// commit records req under the policy. Only hard recorder failures are
// retried: a rejection from the store will not change on a second try.
// It returns the number of attempts made.
func (p CommitPolicy) commit(ctx context.Context, rec Recorder, req ledger.Request) (models.Transaction, int, error) {
	p = p.normalized()

	var (
		txn models.Transaction
		err error
	)
	wait := p.Backoff
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, p.Timeout)
		txn, err = rec.Record(actx, req)
		cancel()
		if err == nil {
			return txn, attempt, nil
		}
		if !apperr.Is(err, apperr.RecorderHardFailure) || attempt == p.Attempts {
			return models.Transaction{}, attempt, err
		}

		select {
		case <-ctx.Done():
			return models.Transaction{}, attempt, apperr.Wrap(ctx.Err(), apperr.RecorderHardFailure, "commit abandoned")
		case <-time.After(wait):
		}
		wait *= 2
	}
	return models.Transaction{}, p.Attempts, err
}
