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
	"time"

	log "github.com/sirupsen/logrus"
)

type Lap struct {
	Name     string
	Duration time.Duration
}

// Stopwatch measures the stages of a multi step operation
// such as packing and sending a batch.
type Stopwatch struct {
	Laps      []Lap
	StartTime time.Time
	LapStart  time.Time
	now       func() time.Time
}

func (s *Stopwatch) Lap(name string) {
	n := s.now()
	s.Laps = append(s.Laps, Lap{name, n.Sub(s.LapStart)})
	s.LapStart = n
}

func (s *Stopwatch) Total() time.Duration {
	return s.now().Sub(s.StartTime)
}

// Fields renders the laps for structured logging.
func (s *Stopwatch) Fields() log.Fields {
	f := log.Fields{"duration": s.Total()}
	for _, l := range s.Laps {
		f["duration_"+l.Name] = l.Duration
	}
	return f
}

func NewStopwatch() *Stopwatch {
	return newStopwatch(time.Now)
}

func newStopwatch(now func() time.Time) *Stopwatch {
	n := now()
	return &Stopwatch{
		StartTime: n,
		LapStart:  n,
		now:       now,
	}
}
