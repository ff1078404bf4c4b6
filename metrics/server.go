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

package metrics

import (
	"context"
	"net/http"
	"time"

	"evhub/core"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Server serves /metrics and /health until its context is
// cancelled.
type Server struct {
	server        *http.Server
	awaiter       *core.Awaiter
	awaitNotifier *core.AwaitNotifier
	logFields     log.Fields
}

func (s *Server) Start(ctx context.Context) {
	log.WithFields(s.logFields).WithField("addr", s.server.Addr).Info("starting metrics server")
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- errors.Wrap(err, "metrics server failed")
		}
		close(errCh)
	}()

	go func() {
		select {
		case err := <-errCh:
			s.awaitNotifier.Notify(err)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			err := s.server.Shutdown(shutdownCtx)
			log.WithFields(s.logFields).WithField("err", err).Info("metrics server stopped")
			s.awaitNotifier.Notify(err)
		}
	}()
}

func (s *Server) Awaiter() *core.Awaiter {
	return s.awaiter
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func NewServer(addr string, registry *Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	awaiter, awaitNotifier := core.NewAwaiter()
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  time.Second * 30,
			WriteTimeout: time.Second * 30,
		},
		awaiter:       awaiter,
		awaitNotifier: awaitNotifier,
		logFields:     log.Fields{"module": "metrics_server"},
	}
}
