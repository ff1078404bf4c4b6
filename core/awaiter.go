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
	"sync"
)

// AwaitNotifier is the signalling half of an Awaiter.
type AwaitNotifier struct {
	done chan struct{}
	once sync.Once
	err  error
}

// Notify sets the provided error as the exit reason of the
// goroutine and signals the `Awaiter`. Only the first call
// has an effect.
func (n *AwaitNotifier) Notify(err error) {
	n.once.Do(func() {
		n.err = err
		close(n.done)
	})
}

// Awaiter lets one goroutine observe the completion of another,
// such as a consumer loop or a metrics server started by a
// Runner. The running side keeps the AwaitNotifier.
type Awaiter struct {
	notifier *AwaitNotifier
}

// Done channel is closed once the `Awaiter` is signaled.
func (a *Awaiter) Done() <-chan struct{} {
	return a.notifier.done
}

// Err blocks until the `Awaiter` is signaled and
// returns the error if available.
func (a *Awaiter) Err() error {
	<-a.Done()
	return a.notifier.err
}

// Wait is like Err but gives up when ctx is done.
func (a *Awaiter) Wait(ctx context.Context) error {
	select {
	case <-a.Done():
		return a.notifier.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewAwaiter creates a new `Awaiter` and `AwaitNotifier`
// pair.
func NewAwaiter() (*Awaiter, *AwaitNotifier) {
	notifier := &AwaitNotifier{
		done: make(chan struct{}),
	}

	return &Awaiter{notifier: notifier}, notifier
}
