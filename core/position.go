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
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type PositionKind int

const (
	// PositionLatest only delivers events enqueued after the
	// subscription was opened.
	PositionLatest PositionKind = iota
	PositionEarliest
	PositionOffset
)

// Position is where a partition is read from when no checkpoint
// supersedes it.
type Position struct {
	Kind      PositionKind
	Offset    int64
	Inclusive bool
}

func Latest() Position {
	return Position{Kind: PositionLatest}
}

func Earliest() Position {
	return Position{Kind: PositionEarliest}
}

// AtOffset starts with the event at offset.
func AtOffset(offset int64) Position {
	return Position{Kind: PositionOffset, Offset: offset, Inclusive: true}
}

// AfterOffset starts with the first event following offset.
// Consumers resume from a checkpoint with it.
func AfterOffset(offset int64) Position {
	return Position{Kind: PositionOffset, Offset: offset}
}

// FirstOffset is the smallest offset that may be delivered for
// an offset position.
func (p Position) FirstOffset() int64 {
	if p.Inclusive {
		return p.Offset
	}
	return p.Offset + 1
}

// Admits reports whether an event at offset is at or past the
// position. Latest admits everything, callers are expected to
// have seeked to the end of the log already.
func (p Position) Admits(offset int64) bool {
	if p.Kind != PositionOffset {
		return true
	}
	return offset >= p.FirstOffset()
}

func (p Position) String() string {
	switch p.Kind {
	case PositionEarliest:
		return "earliest"
	case PositionLatest:
		return "latest"
	}
	if p.Inclusive {
		return strconv.FormatInt(p.Offset, 10)
	}
	return fmt.Sprintf("after:%d", p.Offset)
}

// ParsePosition understands "earliest", "latest", a non negative
// offset and "after:<offset>". Negative sentinels such as "-1"
// are rejected since their meaning differs across SDKs.
func ParsePosition(s string) (Position, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "latest", "@latest":
		return Latest(), nil
	case "earliest":
		return Earliest(), nil
	}

	after := strings.HasPrefix(s, "after:")
	n, err := strconv.ParseInt(strings.TrimPrefix(s, "after:"), 10, 64)
	if err != nil {
		return Position{}, ConfigError("parse starting position", errors.Errorf("%q is neither earliest, latest nor an offset", s))
	}
	if n < 0 {
		return Position{}, ConfigError("parse starting position", errors.Errorf("negative offset %d is ambiguous, use earliest or latest", n))
	}
	if after {
		return AfterOffset(n), nil
	}
	return AtOffset(n), nil
}
