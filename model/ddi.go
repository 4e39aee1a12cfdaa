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

package model

import (
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FeedbackTimeLayout is the timestamp format of the DDI API.
const FeedbackTimeLayout = "20060102T150405"

var ErrInvalidSleep = errors.New("invalid polling sleep")

type Link struct {
	Href string `json:"href"`
}

func (l *Link) href() string {
	if l == nil {
		return ""
	}
	return l.Href
}

// PollResponse is the controller base resource.
type PollResponse struct {
	Config PollConfig `json:"config"`
	Links  *PollLinks `json:"_links,omitempty"`
}

type PollConfig struct {
	Polling Polling `json:"polling"`
}

type Polling struct {
	Sleep string `json:"sleep"`
}

type PollLinks struct {
	DeploymentBase *Link `json:"deploymentBase,omitempty"`
	CancelAction   *Link `json:"cancelAction,omitempty"`
	ConfigData     *Link `json:"configData,omitempty"`
}

// Duration parses the HH:MM:SS polling sleep.
func (p Polling) Duration() (time.Duration, error) {
	fields := strings.Split(p.Sleep, ":")
	if len(fields) != 3 {
		return 0, errors.Wrapf(ErrInvalidSleep, "%q", p.Sleep)
	}
	var total time.Duration
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	for i, f := range fields {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return 0, errors.Wrapf(ErrInvalidSleep, "%q", p.Sleep)
		}
		total += time.Duration(n) * units[i]
	}
	return total, nil
}

// ActionIDFromHref extracts the action id, the last path segment, from a
// deploymentBase or cancelAction link.
func ActionIDFromHref(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", errors.Wrapf(err, "invalid link %q", href)
	}
	id := path.Base(strings.TrimSuffix(u.Path, "/"))
	if id == "" || id == "." || id == "/" {
		return "", errors.Errorf("link %q carries no action id", href)
	}
	return id, nil
}

// CancelResponse is served at cancelAction/{actionId}.
type CancelResponse struct {
	ID           string        `json:"id"`
	CancelAction CancelDetails `json:"cancelAction"`
}

type CancelDetails struct {
	StopID string `json:"stopId"`
}

type Execution string

const (
	ExecutionClosed     Execution = "closed"
	ExecutionProceeding Execution = "proceeding"
	ExecutionCanceled   Execution = "canceled"
	ExecutionScheduled  Execution = "scheduled"
	ExecutionRejected   Execution = "rejected"
	ExecutionResumed    Execution = "resumed"
)

type Finished string

const (
	FinishedSuccess Finished = "success"
	FinishedFailure Finished = "failure"
	FinishedNone    Finished = "none"
)

// FeedbackRequest is posted to deploymentBase/{id}/feedback and
// cancelAction/{id}/feedback.
type FeedbackRequest struct {
	ID     string         `json:"id"`
	Time   string         `json:"time"`
	Status FeedbackStatus `json:"status"`
}

type FeedbackStatus struct {
	Execution Execution      `json:"execution"`
	Result    FeedbackResult `json:"result"`
	Details   []string       `json:"details"`
}

type FeedbackResult struct {
	Finished Finished  `json:"finished"`
	Progress *Progress `json:"progress,omitempty"`
}

type Progress struct {
	Count int `json:"cnt"`
	Of    int `json:"of"`
}

type ConfigMode string

const (
	ConfigModeMerge   ConfigMode = "merge"
	ConfigModeReplace ConfigMode = "replace"
	ConfigModeRemove  ConfigMode = "remove"
)

// ConfigDataRequest is put to configData.
type ConfigDataRequest struct {
	Mode   ConfigMode        `json:"mode,omitempty"`
	Data   map[string]string `json:"data"`
	Status FeedbackStatus    `json:"status"`
}
