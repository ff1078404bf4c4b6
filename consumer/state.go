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
	"fmt"

	"github.com/pkg/errors"
)

var ErrIllegalTransition = errors.New("illegal partition state transition")

// State of a partition as seen by the consumer.
type State int

const (
	Disconnected State = iota
	Subscribed
	Processing
	CheckpointPending
)

var stateNames = map[State]string{
	Disconnected:      "disconnected",
	Subscribed:        "subscribed",
	Processing:        "processing",
	CheckpointPending: "checkpoint-pending",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the legal moves other than the move to
// Disconnected which is allowed from every state.
// Processing may return to Subscribed without a checkpoint since
// handlers decide when to checkpoint. A failed checkpoint write
// returns the partition to Processing.
var transitions = map[State][]State{
	Disconnected:      {Subscribed},
	Subscribed:        {Processing},
	Processing:        {CheckpointPending, Subscribed},
	CheckpointPending: {Subscribed, Processing},
}

func canTransition(from, to State) bool {
	if to == Disconnected {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(from, to State) error {
	if !canTransition(from, to) {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}
	return nil
}
