// Copyright 2021 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package install hands verified artifacts to the component that applies
// them to the device.
package install

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// EnvActionID carries the action id to install commands.
const EnvActionID = "HAWKBIT_ACTION_ID"

type Artifact struct {
	Chunk   string
	Version string
	Path    string
}

type Request struct {
	ActionID  string
	Artifacts []Artifact
}

// Installer applies a verified artifact set. Cancelling ctx aborts it.
type Installer interface {
	Install(ctx context.Context, req Request) error
}

// ExternalStepError is the failure verdict of an installer.
type ExternalStepError struct {
	Step string
	Err  error
}

func (e *ExternalStepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *ExternalStepError) Unwrap() error { return e.Err }

var ErrSimulatedFailure = errors.New("simulated installation failure")

// Simulated pretends to install by waiting.
type Simulated struct {
	Duration time.Duration
	Fail     bool
}

func (s *Simulated) Install(ctx context.Context, req Request) error {
	log.Infof("[%s] simulating installation of %d artifacts", req.ActionID, len(req.Artifacts))
	timer := time.NewTimer(s.Duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if s.Fail {
		return &ExternalStepError{Step: "simulated install", Err: ErrSimulatedFailure}
	}
	return nil
}

// maxOutput bounds the command output kept for diagnostics.
const maxOutput = 64 << 10

// Command runs an external program with the artifact paths appended to
// Args. The process is killed when ctx is cancelled.
type Command struct {
	Path string
	Args []string
	// WaitDelay bounds the wait for output after the process was killed.
	WaitDelay time.Duration
}

func (c *Command) Install(ctx context.Context, req Request) error {
	args := append([]string{}, c.Args...)
	for _, a := range req.Artifacts {
		args = append(args, a.Path)
	}
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Env = append(os.Environ(), EnvActionID+"="+req.ActionID)
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	output := &limitedBuffer{max: maxOutput}
	cmd.Stdout = output
	cmd.Stderr = output

	fields := log.Fields{"action": req.ActionID, "cmd": cmd.String()}
	log.WithFields(fields).Debug("Executing")

	start := time.Now()
	err := cmd.Run()
	fields["output"] = output.String()
	fields["elapsed"] = time.Since(start).Round(time.Millisecond)
	if ctx.Err() != nil {
		log.WithFields(fields).Warn("Command aborted")
		return ctx.Err()
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("Command errored during run")
		if line := lastLine(output.String()); line != "" {
			err = errors.Wrap(err, line)
		}
		return &ExternalStepError{Step: c.Path, Err: err}
	}
	log.WithFields(fields).Debug("Command completed successfully")
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

type limitedBuffer struct {
	bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
