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

// Package deployment tracks the single deployment action the device works
// on, drives it through download, verification and installation, and
// reports every state change to the server.
package deployment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/hawkbit-client/client"
	"github.com/mendersoftware/hawkbit-client/download"
	"github.com/mendersoftware/hawkbit-client/feedback"
	"github.com/mendersoftware/hawkbit-client/install"
	"github.com/mendersoftware/hawkbit-client/metrics"
	"github.com/mendersoftware/hawkbit-client/model"
)

const detailWaitingForWindow = "waiting for maintenance window"

// Offer is a deployment the server made available.
type Offer struct {
	ActionID string
	Href     string
}

// CancelRequest asks to stop the action StopID. Feedback goes to CancelID.
type CancelRequest struct {
	CancelID string
	StopID   string
}

type Snapshot struct {
	ActionID string
	State    State
	Finished model.Finished
	// Active is set while the action occupies the slot.
	Active bool
}

type DescriptorSource interface {
	DeploymentBase(ctx context.Context, href string) (*model.DeploymentBase, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, artifact model.Artifact, dir string) (*download.Result, error)
}

type Reporter interface {
	Send(ctx context.Context, msg feedback.Message) error
	Undelivered(resource feedback.Resource, actionID string) int
}

type Config struct {
	Source      DescriptorSource
	Fetcher     Fetcher
	Reporter    Reporter
	Installer   install.Installer
	DownloadDir string
}

type action struct {
	id   string
	href string
	fsm  *fsm.FSM

	// mu serialises a transition with its feedback.
	mu        sync.Mutex
	artifacts []install.Artifact
	dir       string

	// guarded by Machine.mu
	finished model.Finished

	ctx   context.Context
	abort context.CancelFunc
}

func (a *action) logger() *log.Entry {
	return log.WithFields(log.Fields{"action": a.id, "state": a.fsm.Current()})
}

type terminal struct {
	snapshot Snapshot
	message  feedback.Message
}

// Machine owns the action slot. Offer and Cancel are meant to be called from
// a single goroutine; work on the action itself happens in the background.
type Machine struct {
	config Config

	mu     sync.Mutex
	active *action
	last   *terminal
	// rejected is the most recent offer turned down while the slot was busy.
	rejected *terminal

	freed chan struct{}
	wg    sync.WaitGroup
}

func NewMachine(config Config) *Machine {
	return &Machine{
		config: config,
		freed:  make(chan struct{}, 1),
	}
}

// Freed is signalled whenever the slot becomes free.
func (m *Machine) Freed() <-chan struct{} {
	return m.freed
}

// Wait blocks until background work has stopped.
func (m *Machine) Wait() {
	m.wg.Wait()
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.active; a != nil {
		return Snapshot{
			ActionID: a.id,
			State:    State(a.fsm.Current()),
			Finished: a.finished,
			Active:   true,
		}
	}
	if m.last != nil {
		return m.last.snapshot
	}
	return Snapshot{}
}

// Offer handles a deployment offered by the server. A returned error means
// the offer could not be processed now and should be retried on a later poll.
func (m *Machine) Offer(ctx context.Context, offer Offer) error {
	m.mu.Lock()
	a, last := m.active, m.last
	if a == nil && (last == nil || last.snapshot.ActionID != offer.ActionID) {
		a = m.newAction(ctx, offer)
		m.active = a
		if m.rejected != nil && m.rejected.snapshot.ActionID == offer.ActionID {
			m.rejected = nil
		}
		m.mu.Unlock()
		metrics.ActiveAction.Set(1)
		a.logger().Info("new deployment action")
		return m.start(a)
	}
	m.mu.Unlock()

	switch {
	case a == nil:
		return m.resend(ctx, last)
	case a.id == offer.ActionID:
		return m.resume(a)
	default:
		return m.reject(ctx, offer, a.id)
	}
}

func (m *Machine) newAction(ctx context.Context, offer Offer) *action {
	actx, abort := context.WithCancel(ctx)
	return &action{
		id:       offer.ActionID,
		href:     offer.Href,
		fsm:      newStateMachine(offer.ActionID),
		finished: model.FinishedNone,
		ctx:      actx,
		abort:    abort,
	}
}

// start fetches the descriptor of a pending action and launches the download.
func (m *Machine) start(a *action) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if State(a.fsm.Current()) != StatePending {
		return nil
	}

	descriptor, err := m.config.Source.DeploymentBase(a.ctx, a.href)
	if err == nil {
		if verr := descriptor.Validate(a.id); verr != nil {
			err = &client.ProtocolError{Op: "deployment-base", Err: verr}
		}
	}
	if err != nil {
		if a.ctx.Err() != nil || client.IsRetryable(err) {
			a.logger().Warnf("deployment descriptor unavailable, staying pending: %v", err)
			return err
		}
		m.finish(a, eventFail, feedback.Message{
			Execution: model.ExecutionClosed,
			Finished:  model.FinishedFailure,
			Details:   []string{"Invalid deployment descriptor: " + err.Error()},
		})
		return nil
	}

	dir := filepath.Join(m.config.DownloadDir, "action-"+a.id)
	if !model.SafeFilename("action-"+a.id) {
		dir = ""
		err = errors.Errorf("unsafe action id %q", a.id)
	} else {
		err = os.MkdirAll(dir, 0700)
	}
	if err != nil {
		m.finish(a, eventFail, feedback.Message{
			Execution: model.ExecutionClosed,
			Finished:  model.FinishedFailure,
			Details:   []string{"Cannot prepare download directory: " + err.Error()},
		})
		return nil
	}
	a.dir = dir

	total := descriptor.Deployment.Artifacts()
	if !m.transition(a, eventDownload, feedback.Message{
		Execution: model.ExecutionProceeding,
		Finished:  model.FinishedNone,
		Details:   []string{fmt.Sprintf("Downloading %d artifacts", total)},
		Progress:  &model.Progress{Count: 0, Of: total},
	}) {
		return nil
	}

	m.wg.Add(1)
	go m.work(a, descriptor.Deployment)
	return nil
}

// resume handles a repeated offer of the active action.
func (m *Machine) resume(a *action) error {
	switch State(a.fsm.Current()) {
	case StatePending:
		return m.start(a)
	case StateVerified:
	default:
		return nil
	}

	a.mu.Lock()
	if State(a.fsm.Current()) != StateVerified {
		a.mu.Unlock()
		return nil
	}
	descriptor, err := m.config.Source.DeploymentBase(a.ctx, a.href)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if !descriptor.Deployment.InstallAllowed() {
		a.mu.Unlock()
		a.logger().Debug(detailWaitingForWindow)
		return nil
	}
	a.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.install(a)
	}()
	return nil
}

// reject turns down an offer made while another action holds the slot. The
// rejection is reported once per active action unless its feedback was lost.
func (m *Machine) reject(ctx context.Context, offer Offer, activeID string) error {
	msg := feedback.Message{
		ActionID:  offer.ActionID,
		Execution: model.ExecutionRejected,
		Finished:  model.FinishedNone,
		Details:   []string{fmt.Sprintf("Another action (%s) is in progress", activeID)},
	}
	fields := log.Fields{"action": offer.ActionID, "active": activeID}

	m.mu.Lock()
	previous := m.rejected
	m.mu.Unlock()
	if previous != nil && previous.snapshot.ActionID == offer.ActionID &&
		previous.message.Details[0] == msg.Details[0] &&
		m.config.Reporter.Undelivered(feedback.DeploymentBase, offer.ActionID) == 0 {
		log.WithFields(fields).Debug("deployment already rejected")
		return nil
	}

	rejected := newStateMachine(offer.ActionID)
	if err := rejected.Event(context.Background(), eventReject); err != nil {
		return err
	}
	m.mu.Lock()
	m.rejected = &terminal{
		snapshot: Snapshot{ActionID: offer.ActionID, State: State(rejected.Current()), Finished: model.FinishedNone},
		message:  msg,
	}
	m.mu.Unlock()

	log.WithFields(fields).Warn("deployment offered while another action is in progress, rejecting")
	return m.config.Reporter.Send(ctx, msg)
}

// resend repeats the terminal feedback of a finished action the server still
// asks about.
func (m *Machine) resend(ctx context.Context, last *terminal) error {
	log.WithFields(log.Fields{"action": last.snapshot.ActionID, "state": last.snapshot.State}).
		Info("action already finished, repeating its feedback")
	return m.config.Reporter.Send(ctx, last.message)
}

// Cancel stops the active action when it is the one named by req. Requests
// for any other action are ignored.
func (m *Machine) Cancel(ctx context.Context, req CancelRequest) error {
	m.mu.Lock()
	a, last := m.active, m.last
	var repeat bool
	if a == nil && last != nil {
		repeat = last.snapshot.State == StateCanceled &&
			last.snapshot.ActionID == req.StopID
	}
	m.mu.Unlock()
	if repeat {
		repeat = m.config.Reporter.Undelivered(feedback.CancelAction, last.message.ActionID) > 0
	}

	if a == nil || a.id != req.StopID {
		if repeat {
			return m.resend(ctx, last)
		}
		log.WithFields(log.Fields{"cancel": req.CancelID, "stop": req.StopID}).
			Debug("ignoring cancellation of an action that is not active")
		return nil
	}

	a.abort()
	a.mu.Lock()
	defer a.mu.Unlock()
	m.finish(a, eventCancel, feedback.Message{
		ActionID:  req.CancelID,
		Resource:  feedback.CancelAction,
		Execution: model.ExecutionCanceled,
		Finished:  model.FinishedSuccess,
		Details:   []string{"Action canceled"},
	})
	return nil
}

func (m *Machine) work(a *action, deployment model.Deployment) {
	defer m.wg.Done()

	total := deployment.Artifacts()
	artifacts := make([]install.Artifact, 0, total)
	for i, chunk := range deployment.Chunks {
		// chunks may ship artifacts with the same filename
		dir := filepath.Join(a.dir, fmt.Sprintf("chunk-%d", i))
		if err := os.MkdirAll(dir, 0700); err != nil {
			a.mu.Lock()
			m.finish(a, eventFail, feedback.Message{
				Execution: model.ExecutionClosed,
				Finished:  model.FinishedFailure,
				Details:   []string{"Cannot prepare download directory: " + err.Error()},
			})
			a.mu.Unlock()
			return
		}
		for _, artifact := range chunk.Artifacts {
			result, err := m.config.Fetcher.Fetch(a.ctx, artifact, dir)
			if a.ctx.Err() != nil {
				return
			}
			if err != nil {
				a.mu.Lock()
				m.finish(a, eventFail, feedback.Message{
					Execution: model.ExecutionClosed,
					Finished:  model.FinishedFailure,
					Details:   []string{fmt.Sprintf("Download of %s failed: %v", artifact.Filename, err)},
				})
				a.mu.Unlock()
				return
			}
			a.logger().Infof("artifact %s verified (%d bytes)", artifact.Filename, result.Size)
			artifacts = append(artifacts, install.Artifact{
				Chunk:   chunk.Name,
				Version: chunk.Version,
				Path:    result.Path,
			})
		}
	}

	allowed := deployment.InstallAllowed()
	details := []string{"Artifacts verified"}
	if !allowed {
		details = append(details, detailWaitingForWindow)
	}
	a.mu.Lock()
	ok := m.transition(a, eventVerify, feedback.Message{
		Execution: model.ExecutionProceeding,
		Finished:  model.FinishedNone,
		Details:   details,
		Progress:  &model.Progress{Count: total, Of: total},
	})
	if ok {
		a.artifacts = artifacts
	}
	a.mu.Unlock()

	if ok && allowed {
		m.install(a)
	}
}

func (m *Machine) install(a *action) {
	a.mu.Lock()
	ok := m.transition(a, eventInstall, feedback.Message{
		Execution: model.ExecutionProceeding,
		Finished:  model.FinishedNone,
		Details:   []string{"Installing"},
	})
	req := install.Request{ActionID: a.id, Artifacts: a.artifacts}
	a.mu.Unlock()
	if !ok {
		return
	}

	start := time.Now()
	err := m.config.Installer.Install(a.ctx, req)
	if a.ctx.Err() != nil {
		return
	}
	metrics.StepDuration.WithLabelValues("install").Observe(time.Since(start).Seconds())

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		m.finish(a, eventFail, feedback.Message{
			Execution: model.ExecutionClosed,
			Finished:  model.FinishedFailure,
			Details:   []string{"Installation failed: " + err.Error()},
		})
		return
	}
	m.finish(a, eventSucceed, feedback.Message{
		Execution: model.ExecutionClosed,
		Finished:  model.FinishedSuccess,
		Details:   []string{"Installation succeeded"},
	})
}

// transition fires event and reports msg. It must be called with a.mu held.
func (m *Machine) transition(a *action, event string, msg feedback.Message) bool {
	if err := a.fsm.Event(context.Background(), event); err != nil {
		a.logger().Debugf("transition %s skipped: %v", event, err)
		return false
	}
	m.send(a, msg)
	return true
}

// send reports msg for a, detached from the action's cancellation. The
// reporter logs and remembers messages it could not deliver.
func (m *Machine) send(a *action, msg feedback.Message) {
	if msg.ActionID == "" {
		msg.ActionID = a.id
	}
	m.config.Reporter.Send(context.WithoutCancel(a.ctx), msg)
}

// finish moves a into a terminal state, reports it and frees the slot. It
// must be called with a.mu held.
func (m *Machine) finish(a *action, event string, msg feedback.Message) bool {
	if !a.fsm.Can(event) {
		return false
	}
	m.mu.Lock()
	a.finished = msg.Finished
	m.mu.Unlock()
	if err := a.fsm.Event(context.Background(), event); err != nil {
		a.logger().Errorf("transition %s failed: %v", event, err)
		return false
	}

	if msg.ActionID == "" {
		msg.ActionID = a.id
	}
	m.send(a, msg)
	m.release(a, msg)
	return true
}

func (m *Machine) release(a *action, msg feedback.Message) {
	a.abort()
	if a.dir != "" {
		if err := os.RemoveAll(a.dir); err != nil {
			a.logger().Warnf("cannot remove download directory: %v", err)
		}
	}

	state := State(a.fsm.Current())
	m.mu.Lock()
	if m.active == a {
		m.active = nil
		m.last = &terminal{
			snapshot: Snapshot{ActionID: a.id, State: state, Finished: a.finished},
			message:  msg,
		}
	}
	finished := a.finished
	m.mu.Unlock()

	metrics.ActiveAction.Set(0)
	metrics.Actions.WithLabelValues(string(state), string(finished)).Inc()
	a.logger().WithField("finished", finished).Info("action finished")

	select {
	case m.freed <- struct{}{}:
	default:
	}
}
