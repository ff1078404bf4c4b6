/*
Copyright © 2020 Evhub Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package core

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
)

const DefaultRetryMaxDelay time.Duration = time.Second * 30

// RetryPolicy repeats failed operations with a capped, jittered
// exponential backoff. Count is the number of retries after
// the first attempt.
type RetryPolicy struct {
	Count      int
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter is the fraction of each delay that is randomised.
	Jitter float64
	// Retryable decides whether an error is worth retrying.
	Retryable func(error) bool
	sleep     func(context.Context, time.Duration) error
}

// Execute runs op until it succeeds, fails with an error that
// is not retryable, exhausts the retries or ctx is done. The
// last error of op is returned.
func (p *RetryPolicy) Execute(ctx context.Context, op func() error, idFormat string, args ...interface{}) error {
	err := op()
	if err == nil || !p.retryable(err) {
		return err
	}

	id := fmt.Sprintf(idFormat, args...)
	log.WithFields(log.Fields{"module": "retry_policy", "operationId": id, "error": err}).Infof("retry_policy: operation %s failed. begin retrying", id)

	for i := 0; i < p.Count; i++ {
		if e := p.wait(ctx, p.Backoff(i)); e != nil {
			log.WithFields(log.Fields{"module": "retry_policy", "operationId": id, "retryAttempt": i + 1}).Info("retry_policy: giving up, context is done")
			return err
		}
		err = op()
		if err == nil {
			return nil
		}
		log.WithFields(log.Fields{"module": "retry_policy", "operationId": id, "error": err, "retryAttempt": i + 1}).Infof("retry_policy: operation %s failed", id)
		if !p.retryable(err) {
			break
		}
	}
	return err
}

// Backoff is the delay before the retry with the given zero
// based index.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.Delay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d = d - d*p.Jitter + d*p.Jitter*2*rand.Float64()
	}
	return time.Duration(d)
}

func (p *RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return Retryable(err)
}

func (p *RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewRetryPolicy creates a policy that doubles the delay between
// attempts up to DefaultRetryMaxDelay with 20% jitter.
func NewRetryPolicy(count int, delay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		Count:      count,
		Delay:      delay,
		MaxDelay:   DefaultRetryMaxDelay,
		Multiplier: 2,
		Jitter:     0.2,
	}
}
