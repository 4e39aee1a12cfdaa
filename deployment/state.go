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

package deployment

import (
	"context"

	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"
)

type State string

const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StateVerified    State = "verified"
	StateInstalling  State = "installing"
	StateClosed      State = "closed"
	StateCanceled    State = "canceled"
	StateRejected    State = "rejected"
)

// Terminal reports whether an action in s no longer occupies the slot.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateCanceled || s == StateRejected
}

const (
	eventDownload = "download"
	eventVerify   = "verify"
	eventInstall  = "install"
	eventSucceed  = "succeed"
	eventFail     = "fail"
	eventCancel   = "cancel"
	eventReject   = "reject"
)

var active = []string{
	string(StatePending),
	string(StateDownloading),
	string(StateVerified),
	string(StateInstalling),
}

func newStateMachine(actionID string) *fsm.FSM {
	return fsm.NewFSM(
		string(StatePending),
		fsm.Events{
			{Name: eventDownload, Src: []string{string(StatePending)}, Dst: string(StateDownloading)},
			{Name: eventVerify, Src: []string{string(StateDownloading)}, Dst: string(StateVerified)},
			{Name: eventInstall, Src: []string{string(StateVerified)}, Dst: string(StateInstalling)},
			{Name: eventSucceed, Src: []string{string(StateInstalling)}, Dst: string(StateClosed)},
			{Name: eventFail, Src: active, Dst: string(StateClosed)},
			{Name: eventCancel, Src: active, Dst: string(StateCanceled)},
			{Name: eventReject, Src: []string{string(StatePending)}, Dst: string(StateRejected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.WithFields(log.Fields{
					"action": actionID,
					"event":  e.Event,
					"src":    e.Src,
					"dst":    e.Dst,
				}).Debug("action state transition")
			},
		},
	)
}
