// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cardwall

import "fmt"

// CommandKind distinguishes Start from Cancel.
type CommandKind int

const (
	CommandStart CommandKind = iota
	CommandCancel
)

// StartReason says who asked for a run.
type StartReason int

const (
	ReasonUserInitiated StartReason = iota
	ReasonCardDetected
)

// Command is the input accepted by a session controller.
type Command struct {
	Tag    Tag
	Kind   CommandKind
	Reason StartReason
}

// StartUserInitiated starts a run on behalf of the user.
func StartUserInitiated() Command {
	return Command{Kind: CommandStart, Reason: ReasonUserInitiated}
}

// StartCardDetected starts or resumes a run because tag was presented.
func StartCardDetected(tag Tag) Command {
	return Command{Kind: CommandStart, Reason: ReasonCardDetected, Tag: tag}
}

// Cancel aborts the active run.
func Cancel() Command {
	return Command{Kind: CommandCancel}
}

// IsUserStart reports whether c is Start(UserInitiated).
func (c Command) IsUserStart() bool {
	return c.Kind == CommandStart && c.Reason == ReasonUserInitiated
}

// Validate rejects commands that can only come from an integration defect.
func (c Command) Validate() error {
	switch c.Kind {
	case CommandCancel:
		return nil
	case CommandStart:
		switch c.Reason {
		case ReasonUserInitiated:
			return nil
		case ReasonCardDetected:
			if c.Tag.ID == "" {
				return fmt.Errorf("%w: card detected without a tag", ErrInvalidCommand)
			}
			return nil
		}
		return fmt.Errorf("%w: unknown start reason %d", ErrInvalidCommand, int(c.Reason))
	default:
		return fmt.Errorf("%w: unknown command kind %d", ErrInvalidCommand, int(c.Kind))
	}
}

func (c Command) String() string {
	switch {
	case c.Kind == CommandCancel:
		return "Cancel"
	case c.Reason == ReasonCardDetected:
		return fmt.Sprintf("Start(CardDetected(%s))", c.Tag.ID)
	default:
		return "Start(UserInitiated)"
	}
}
