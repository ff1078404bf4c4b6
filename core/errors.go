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

	"github.com/pkg/errors"
)

var (
	ErrBatchFull            = errors.New("batch is full")
	ErrCheckpointNotFound   = errors.New("checkpoint not found")
	ErrOutOfOrderCheckpoint = errors.New("only the most recently delivered event of a partition can be checkpointed")
	ErrStaleCheckpoint      = errors.New("checkpoint is older than the current one")
	ErrUnsupportedSchema    = errors.New("unsupported schema version")
	ErrPartitionNotOwned    = errors.New("partition is not owned by this consumer")
	ErrClosed               = errors.New("client is closed")
)

// Kind classifies failures so that callers can decide
// whether to retry, skip or abort.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindConnection
	KindCapacity
	KindTransientPublish
	KindPublish
	KindCheckpointWrite
	KindHandler
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindConfig:           "config",
	KindConnection:       "connection",
	KindCapacity:         "capacity",
	KindTransientPublish: "transient-publish",
	KindPublish:          "publish",
	KindCheckpointWrite:  "checkpoint-write",
	KindHandler:          "handler",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure of an operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError classifies err. The stack is recorded at the point
// of classification unless err already carries one.
func NewError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(interface{ StackTrace() errors.StackTrace }); !ok {
		err = errors.WithStack(err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func ConfigError(op string, err error) error {
	return NewError(KindConfig, op, err)
}

func ConnectionError(op string, err error) error {
	return NewError(KindConnection, op, err)
}

func CapacityError(op string, err error) error {
	return NewError(KindCapacity, op, err)
}

func TransientPublishError(op string, err error) error {
	return NewError(KindTransientPublish, op, err)
}

func PublishError(op string, err error) error {
	return NewError(KindPublish, op, err)
}

func CheckpointError(op string, err error) error {
	return NewError(KindCheckpointWrite, op, err)
}

func HandlerError(op string, err error) error {
	return NewError(KindHandler, op, err)
}

// KindOf returns the kind of the outermost classified error
// in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether repeating the failed operation
// may succeed. Capacity, configuration and non transient publish
// failures are final, as are ordering violations and cancellation.
// Everything else, including unclassified errors, may be retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindConfig, KindCapacity, KindPublish:
		return false
	}
	if errors.Is(err, ErrStaleCheckpoint) || errors.Is(err, ErrOutOfOrderCheckpoint) || errors.Is(err, ErrClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// ExitCode maps an error returned by a command to the process
// exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindConfig:
		return 2
	case KindConnection:
		return 3
	case KindCapacity:
		return 4
	case KindTransientPublish, KindPublish:
		return 5
	case KindCheckpointWrite:
		return 6
	case KindHandler:
		return 7
	}
	return 1
}
