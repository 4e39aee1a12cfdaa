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

package feedback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/hawkbit-client/client"
	"github.com/mendersoftware/hawkbit-client/metrics"
	"github.com/mendersoftware/hawkbit-client/model"
	"github.com/mendersoftware/hawkbit-client/retry"
)

// DefaultAttempts bounds a single feedback submission.
const DefaultAttempts = 3

type Resource int

const (
	DeploymentBase Resource = iota
	CancelAction
)

func (r Resource) String() string {
	if r == CancelAction {
		return "cancelAction"
	}
	return "deploymentBase"
}

type Message struct {
	ActionID  string
	Resource  Resource
	Execution model.Execution
	Finished  model.Finished
	Details   []string
	Progress  *model.Progress
}

type Transport interface {
	PostDeploymentFeedback(ctx context.Context, actionID string, feedback *model.FeedbackRequest) error
	PostCancelFeedback(ctx context.Context, cancelID string, feedback *model.FeedbackRequest) error
}

type undelivered struct {
	execution model.Execution
	finished  model.Finished
	time      string
}

// Reporter submits status messages. Messages it could not deliver are
// remembered per action and mentioned in the next message for that action.
type Reporter struct {
	transport Transport
	policy    retry.Policy
	now       func() time.Time

	mu          sync.Mutex
	undelivered map[string][]undelivered
}

func NewReporter(transport Transport, policy retry.Policy) *Reporter {
	return &Reporter{
		transport:   transport,
		policy:      policy,
		now:         time.Now,
		undelivered: map[string][]undelivered{},
	}
}

func key(resource Resource, actionID string) string {
	return resource.String() + "/" + actionID
}

func (r *Reporter) Send(ctx context.Context, msg Message) error {
	k := key(msg.Resource, msg.ActionID)
	request := &model.FeedbackRequest{
		ID:   msg.ActionID,
		Time: r.now().UTC().Format(model.FeedbackTimeLayout),
		Status: model.FeedbackStatus{
			Execution: msg.Execution,
			Result: model.FeedbackResult{
				Finished: msg.Finished,
				Progress: msg.Progress,
			},
			Details: append([]string{}, msg.Details...),
		},
	}

	r.mu.Lock()
	pending := r.undelivered[k]
	r.mu.Unlock()
	if len(pending) > 0 {
		request.Status.Details = append(request.Status.Details, undeliveredDetail(pending))
	}

	err := r.policy.Do(ctx, client.IsRetryable, func() error {
		if msg.Resource == CancelAction {
			return r.transport.PostCancelFeedback(ctx, msg.ActionID, request)
		}
		return r.transport.PostDeploymentFeedback(ctx, msg.ActionID, request)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.undelivered[k] = append(r.undelivered[k], undelivered{
			execution: msg.Execution,
			finished:  msg.Finished,
			time:      request.Time,
		})
		metrics.FeedbackFailures.Inc()
		log.WithFields(log.Fields{
			"action":    msg.ActionID,
			"resource":  msg.Resource.String(),
			"execution": msg.Execution,
		}).Errorf("feedback not delivered: %v", err)
		return err
	}
	delete(r.undelivered, k)
	metrics.FeedbackSent.WithLabelValues(string(msg.Execution)).Inc()
	return nil
}

// Undelivered returns how many messages for the action are still owed.
func (r *Reporter) Undelivered(resource Resource, actionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.undelivered[key(resource, actionID)])
}

func undeliveredDetail(pending []undelivered) string {
	parts := make([]string, 0, len(pending))
	for _, u := range pending {
		parts = append(parts, fmt.Sprintf("%s/%s at %s", u.execution, u.finished, u.time))
	}
	return "undelivered feedback: " + strings.Join(parts, ", ")
}
