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

	log "github.com/sirupsen/logrus"
)

type supervisor struct {
	primary       Runner
	aux           []Runner
	awaiter       *Awaiter
	awaitNotifier *AwaitNotifier
	logFields     log.Fields
}

// Supervise runs aux next to primary. The returned runner exits
// with the error of primary, or with the error of the first aux
// runner that exits early. Either way all runners are stopped and
// awaited before it reports.
func Supervise(primary Runner, aux ...Runner) Runner {
	awaiter, awaitNotifier := NewAwaiter()
	return &supervisor{
		primary:       primary,
		aux:           aux,
		awaiter:       awaiter,
		awaitNotifier: awaitNotifier,
		logFields:     log.Fields{"module": "supervisor"},
	}
}

func (s *supervisor) Start(ctx context.Context) {
	cancelCtx, cancel := context.WithCancel(ctx)
	s.primary.Start(cancelCtx)
	for _, r := range s.aux {
		r.Start(cancelCtx)
	}

	go func() {
		defer cancel()
		failed := make(chan error, len(s.aux))
		for _, r := range s.aux {
			go func(r Runner) {
				<-r.Awaiter().Done()
				failed <- r.Awaiter().Err()
			}(r)
		}

		var err error
		select {
		case <-s.primary.Awaiter().Done():
			err = s.primary.Awaiter().Err()
		case err = <-failed:
			log.WithFields(s.logFields).WithField("err", err).Info("auxiliary runner exited")
			cancel()
			<-s.primary.Awaiter().Done()
			if ctx.Err() != nil || err == nil {
				err = s.primary.Awaiter().Err()
			}
		}

		cancel()
		for _, r := range s.aux {
			<-r.Awaiter().Done()
		}
		s.awaitNotifier.Notify(err)
	}()
}

func (s *supervisor) Awaiter() *Awaiter {
	return s.awaiter
}
