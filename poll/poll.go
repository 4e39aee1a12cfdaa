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

// Package poll runs the loop that asks the server for work and dispatches
// what it offers.
package poll

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/hawkbit-client/client"
	"github.com/mendersoftware/hawkbit-client/deployment"
	"github.com/mendersoftware/hawkbit-client/metrics"
	"github.com/mendersoftware/hawkbit-client/model"
	"github.com/mendersoftware/hawkbit-client/retry"
)

type Kind int

const (
	KindCancel Kind = iota
	KindDeployment
	KindConfigData
)

func (k Kind) String() string {
	switch k {
	case KindCancel:
		return "cancel"
	case KindDeployment:
		return "deployment"
	default:
		return "config-data"
	}
}

type Operation struct {
	Kind     Kind
	ActionID string
	Href     string
}

// Result is one poll reply: the server's sleep and the operations it offers,
// in the order they must be handled.
type Result struct {
	Sleep      time.Duration
	Operations []Operation
}

// Parse turns a poll reply into a Result. A pending cancellation hides a
// deployment offered in the same reply.
func Parse(response *model.PollResponse) (*Result, error) {
	sleep, err := response.Config.Polling.Duration()
	if err != nil {
		return nil, &client.ProtocolError{Op: "poll", Err: err}
	}
	result := &Result{Sleep: sleep}
	links := response.Links
	if links == nil {
		return result, nil
	}

	switch {
	case links.CancelAction != nil:
		id, err := model.ActionIDFromHref(links.CancelAction.Href)
		if err != nil {
			return nil, &client.ProtocolError{Op: "poll", Err: err}
		}
		result.Operations = append(result.Operations, Operation{Kind: KindCancel, ActionID: id, Href: links.CancelAction.Href})
	case links.DeploymentBase != nil:
		id, err := model.ActionIDFromHref(links.DeploymentBase.Href)
		if err != nil {
			return nil, &client.ProtocolError{Op: "poll", Err: err}
		}
		result.Operations = append(result.Operations, Operation{Kind: KindDeployment, ActionID: id, Href: links.DeploymentBase.Href})
	}
	if links.ConfigData != nil {
		result.Operations = append(result.Operations, Operation{Kind: KindConfigData, Href: links.ConfigData.Href})
	}
	return result, nil
}

type Transport interface {
	Poll(ctx context.Context) (*model.PollResponse, error)
	CancelAction(ctx context.Context, href string) (*model.CancelResponse, error)
	PutConfigData(ctx context.Context, href string, data *model.ConfigDataRequest) error
}

type Machine interface {
	Offer(ctx context.Context, offer deployment.Offer) error
	Cancel(ctx context.Context, req deployment.CancelRequest) error
	Freed() <-chan struct{}
	Snapshot() deployment.Snapshot
}

type Config struct {
	// Policy paces polls after a failure and bounds config data pushes.
	Policy      retry.Policy
	MinInterval time.Duration
	MaxInterval time.Duration
	Attributes  map[string]string
}

type Scheduler struct {
	transport Transport
	machine   Machine
	config    Config
}

func NewScheduler(transport Transport, machine Machine, config Config) *Scheduler {
	return &Scheduler{transport: transport, machine: machine, config: config}
}

// Run polls until ctx is done. Failures never end the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	b := s.config.Policy.Backoff()
	for {
		wait, err := s.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			metrics.Polls.WithLabelValues("failure").Inc()
			wait = b.NextBackOff()
			log.Warnf("poll failed, retrying in %s: %v", wait, err)
		} else {
			metrics.Polls.WithLabelValues("success").Inc()
			b.Reset()
			log.Debugf("next poll in %s", wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.machine.Freed():
			timer.Stop()
			log.Debug("action slot freed, polling now")
		case <-timer.C:
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) (time.Duration, error) {
	response, err := s.transport.Poll(ctx)
	if err != nil {
		return 0, err
	}
	result, err := Parse(response)
	if err != nil {
		return 0, err
	}
	s.dispatch(ctx, result)
	return s.clamp(result.Sleep), nil
}

func (s *Scheduler) clamp(sleep time.Duration) time.Duration {
	if s.config.MinInterval > 0 && sleep < s.config.MinInterval {
		return s.config.MinInterval
	}
	if s.config.MaxInterval > 0 && sleep > s.config.MaxInterval {
		return s.config.MaxInterval
	}
	return sleep
}

func (s *Scheduler) dispatch(ctx context.Context, result *Result) {
	for _, op := range result.Operations {
		var err error
		switch op.Kind {
		case KindCancel:
			err = s.cancel(ctx, op)
		case KindDeployment:
			if busy(s.machine.Snapshot(), op.ActionID) {
				log.WithField("action", op.ActionID).Debug("action in progress")
				continue
			}
			err = s.machine.Offer(ctx, deployment.Offer{ActionID: op.ActionID, Href: op.Href})
		case KindConfigData:
			err = s.pushConfigData(ctx, op.Href)
		}
		if err != nil && ctx.Err() == nil {
			log.WithFields(log.Fields{"operation": op.Kind.String(), "action": op.ActionID}).
				Warnf("operation not completed, retrying on next poll: %v", err)
		}
	}
}

// busy reports whether the offered action is already being downloaded or
// installed, in which case a repeated offer has nothing to add.
func busy(snapshot deployment.Snapshot, actionID string) bool {
	if !snapshot.Active || snapshot.ActionID != actionID {
		return false
	}
	return snapshot.State == deployment.StateDownloading || snapshot.State == deployment.StateInstalling
}

func (s *Scheduler) cancel(ctx context.Context, op Operation) error {
	response, err := s.transport.CancelAction(ctx, op.Href)
	if err != nil {
		return err
	}
	cancelID := response.ID
	if cancelID == "" {
		cancelID = op.ActionID
	}
	return s.machine.Cancel(ctx, deployment.CancelRequest{
		CancelID: cancelID,
		StopID:   response.CancelAction.StopID,
	})
}

func (s *Scheduler) pushConfigData(ctx context.Context, href string) error {
	if len(s.config.Attributes) == 0 {
		log.Debug("server asks for config data but no attributes are configured")
		return nil
	}
	data := &model.ConfigDataRequest{
		Mode: model.ConfigModeMerge,
		Data: s.config.Attributes,
		Status: model.FeedbackStatus{
			Execution: model.ExecutionClosed,
			Result:    model.FeedbackResult{Finished: model.FinishedSuccess},
			Details:   []string{},
		},
	}
	return s.config.Policy.Do(ctx, client.IsRetryable, func() error {
		return s.transport.PutConfigData(ctx, href, data)
	})
}
