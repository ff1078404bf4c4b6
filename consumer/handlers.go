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

package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"evhub/core"

	"github.com/pkg/errors"
)

// PrintHandler writes each event to Out and checkpoints it.
type PrintHandler struct {
	Out io.Writer
	mu  sync.Mutex
}

func (h *PrintHandler) Handle(ctx context.Context, pc *PartitionContext, event *core.Event) error {
	h.mu.Lock()
	_, err := fmt.Fprintf(h.Out, "Partition ID: %s\nData Offset: %d\nSequence Number: %d\nPartition Key: %s\nEvent Body: %s\n \n",
		pc.PartitionID(), event.Offset, event.SequenceNumber, event.PartitionKey, event.Body)
	h.mu.Unlock()
	if err != nil {
		return errors.WithStack(err)
	}
	return pc.UpdateCheckpoint(ctx, event)
}

func NewPrintHandler(out io.Writer) *PrintHandler {
	return &PrintHandler{Out: out}
}

// HTTPHandler posts each event as JSON to a handler URL and
// checkpoints it once the handler answers with 200.
type HTTPHandler struct {
	HandlerURL string
	Client     *http.Client
}

func (h *HTTPHandler) Handle(ctx context.Context, pc *PartitionContext, event *core.Event) error {
	output, err := json.Marshal(event)
	if err != nil {
		return errors.WithStack(err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, h.HandlerURL, bytes.NewReader(output))
	if err != nil {
		return errors.WithStack(err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := h.Client.Do(request)
	if err != nil {
		return errors.WithStack(err)
	}

	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return errors.WithStack(err)
	}

	if response.StatusCode != http.StatusOK {
		return errors.Errorf("error response from handler %d: %s", response.StatusCode, string(body))
	}
	return pc.UpdateCheckpoint(ctx, event)
}

func NewHTTPHandler(handlerURL string, timeout time.Duration) *HTTPHandler {
	return &HTTPHandler{
		HandlerURL: handlerURL,
		Client:     &http.Client{Timeout: timeout},
	}
}
