// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"errors"
	"fmt"

	shlex "github.com/anmitsu/go-shlex"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

func verbose(f string, a ...interface{}) {
	v("session:"+f, a...)
}

// ErrEmptyStage is returned for a pipeline with an empty stage, as in "ls | | wc".
var ErrEmptyStage = errors.New("empty pipeline stage")

// SplitLine splits a command line into pipeline stages. Words are
// split with POSIX shell quoting rules, and a "|" word separates
// stages. A line with no words has no stages.
func SplitLine(line string) ([][]string, error) {
	words, err := shlex.Split(line, true)
	if err != nil {
		return nil, fmt.Errorf("splitting %q: %w", line, err)
	}
	if len(words) == 0 {
		return nil, nil
	}
	var (
		stages [][]string
		cur    []string
	)
	for _, w := range words {
		if w != "|" {
			cur = append(cur, w)
			continue
		}
		if len(cur) == 0 {
			return nil, fmt.Errorf("%q: %w", line, ErrEmptyStage)
		}
		stages, cur = append(stages, cur), nil
	}
	if len(cur) == 0 {
		return nil, fmt.Errorf("%q: %w", line, ErrEmptyStage)
	}
	return append(stages, cur), nil
}
