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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/hawkbit-client/client"
	"github.com/mendersoftware/hawkbit-client/download"
	"github.com/mendersoftware/hawkbit-client/feedback"
	"github.com/mendersoftware/hawkbit-client/install"
	"github.com/mendersoftware/hawkbit-client/model"
	"github.com/mendersoftware/hawkbit-client/retry"
)

const waitFor = 5 * time.Second

type fakeSource struct {
	mu          sync.Mutex
	descriptors map[string]*model.DeploymentBase
	err         error
	calls       int
}

func (f *fakeSource) DeploymentBase(ctx context.Context, href string) (*model.DeploymentBase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.descriptors[href]
	if !ok {
		return nil, &client.ProtocolError{Op: "deployment-base", StatusCode: 404, Err: client.ErrNotFound}
	}
	copied := *d
	return &copied, nil
}

func (f *fakeSource) set(href string, d *model.DeploymentBase, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d != nil {
		f.descriptors[href] = d
	}
	f.err = err
}

// fakeFetcher writes the artifact file, fails with err when set, or blocks
// until the context ends when block is set.
type fakeFetcher struct {
	mu      sync.Mutex
	err     error
	block   bool
	started chan struct{}
	aborted chan struct{}
	fetched []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{started: make(chan struct{}, 10), aborted: make(chan struct{}, 10)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, artifact model.Artifact, dir string) (*download.Result, error) {
	f.mu.Lock()
	err, block := f.err, f.block
	f.fetched = append(f.fetched, artifact.Filename)
	f.mu.Unlock()
	f.started <- struct{}{}

	if block {
		<-ctx.Done()
		f.aborted <- struct{}{}
		return nil, &client.TransportError{Op: "download", Err: ctx.Err()}
	}
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, artifact.Filename)
	if err := os.WriteFile(path, []byte(artifact.Links.Download.Href), 0600); err != nil {
		return nil, err
	}
	return &download.Result{Path: path, Size: artifact.Size}, nil
}

// recordingReporter keeps every message; while err is set sends fail and are
// counted as undelivered.
type recordingReporter struct {
	mu          sync.Mutex
	err         error
	messages    []feedback.Message
	undelivered map[string]int
}

func (r *recordingReporter) Send(ctx context.Context, msg feedback.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	if r.undelivered == nil {
		r.undelivered = map[string]int{}
	}
	k := msg.Resource.String() + "/" + msg.ActionID
	if r.err != nil {
		r.undelivered[k]++
		return r.err
	}
	delete(r.undelivered, k)
	return nil
}

func (r *recordingReporter) Undelivered(resource feedback.Resource, actionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.undelivered[resource.String()+"/"+actionID]
}

func (r *recordingReporter) failWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingReporter) sent() []feedback.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]feedback.Message{}, r.messages...)
}

func (r *recordingReporter) executions() []model.Execution {
	var executions []model.Execution
	for _, m := range r.sent() {
		executions = append(executions, m.Execution)
	}
	return executions
}

type fakeInstaller struct {
	err      error
	block    bool
	mu       sync.Mutex
	requests []install.Request
	// contents holds the artifact files as they were at install time
	contents [][]string
	started  chan struct{}
	aborted  chan struct{}
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{started: make(chan struct{}, 10), aborted: make(chan struct{}, 10)}
}

func (f *fakeInstaller) Install(ctx context.Context, req install.Request) error {
	var contents []string
	for _, a := range req.Artifacts {
		data, err := os.ReadFile(a.Path)
		if err != nil {
			return err
		}
		contents = append(contents, string(data))
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.contents = append(f.contents, contents)
	f.mu.Unlock()
	f.started <- struct{}{}
	if f.block {
		<-ctx.Done()
		f.aborted <- struct{}{}
		return ctx.Err()
	}
	return f.err
}

func descriptor(id string, filenames ...string) *model.DeploymentBase {
	artifacts := make([]model.Artifact, 0, len(filenames))
	for _, name := range filenames {
		artifacts = append(artifacts, model.Artifact{
			Filename: name,
			Size:     4,
			Links:    model.ArtifactLinks{Download: &model.Link{Href: "https://server/" + name}},
		})
	}
	return &model.DeploymentBase{
		ID: id,
		Deployment: model.Deployment{
			Download: model.HandlingForced,
			Update:   model.HandlingForced,
			Chunks:   []model.Chunk{{Part: "os", Name: "rootfs", Version: "1.0", Artifacts: artifacts}},
		},
	}
}

type harness struct {
	machine   *Machine
	source    *fakeSource
	fetcher   *fakeFetcher
	reporter  *recordingReporter
	installer *fakeInstaller
	dir       string
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		source:    &fakeSource{descriptors: map[string]*model.DeploymentBase{}},
		fetcher:   newFakeFetcher(),
		reporter:  &recordingReporter{},
		installer: newFakeInstaller(),
		dir:       t.TempDir(),
	}
	h.machine = NewMachine(Config{
		Source:      h.source,
		Fetcher:     h.fetcher,
		Reporter:    h.reporter,
		Installer:   h.installer,
		DownloadDir: h.dir,
	})
	t.Cleanup(h.machine.Wait)
	return h
}

func (h *harness) waitState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.machine.Snapshot().State == state
	}, waitFor, 5*time.Millisecond, "waiting for %s, have %+v", state, h.machine.Snapshot())
}

func waitSignal(t *testing.T, c <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-c:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestActionSucceeds(t *testing.T) {
	h := newHarness(t)
	h.source.set("dep/42", descriptor("42", "a.img", "b.img"), nil)

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	h.waitState(t, StateClosed)
	waitSignal(t, h.machine.Freed(), "slot freed")

	snapshot := h.machine.Snapshot()
	assert.Equal(t, Snapshot{ActionID: "42", State: StateClosed, Finished: model.FinishedSuccess}, snapshot)

	messages := h.reporter.sent()
	require.Len(t, messages, 4)
	assert.Equal(t, []model.Execution{
		model.ExecutionProceeding,
		model.ExecutionProceeding,
		model.ExecutionProceeding,
		model.ExecutionClosed,
	}, h.reporter.executions())
	assert.Equal(t, &model.Progress{Count: 0, Of: 2}, messages[0].Progress)
	assert.Equal(t, &model.Progress{Count: 2, Of: 2}, messages[1].Progress)
	assert.Equal(t, []string{"Installing"}, messages[2].Details)
	assert.Equal(t, model.FinishedSuccess, messages[3].Finished)
	for _, m := range messages {
		assert.Equal(t, "42", m.ActionID)
		assert.Equal(t, feedback.DeploymentBase, m.Resource)
	}

	require.Len(t, h.installer.requests, 1)
	req := h.installer.requests[0]
	assert.Equal(t, "42", req.ActionID)
	require.Len(t, req.Artifacts, 2)
	assert.Equal(t, filepath.Join(h.dir, "action-42", "chunk-0", "a.img"), req.Artifacts[0].Path)
	assert.Equal(t, "rootfs", req.Artifacts[0].Chunk)
	assert.Equal(t, []string{"https://server/a.img", "https://server/b.img"}, h.installer.contents[0])

	assert.NoDirExists(t, filepath.Join(h.dir, "action-42"))
}

// memoryTransport serves artifact bodies by href.
type memoryTransport map[string]string

func (m memoryTransport) Download(ctx context.Context, href string) (io.ReadCloser, error) {
	body, ok := m[href]
	if !ok {
		return nil, &client.ProtocolError{Op: "download", StatusCode: 404, Err: client.ErrNotFound}
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func TestSameFilenameInSeveralChunks(t *testing.T) {
	h := newHarness(t)
	bodies := []string{"first-module-firmware", "second-module-firmware"}
	transport := memoryTransport{}
	var chunks []model.Chunk
	for i, body := range bodies {
		href := fmt.Sprintf("https://server/module-%d/fw.bin", i)
		transport[href] = body
		sum := sha256.Sum256([]byte(body))
		chunks = append(chunks, model.Chunk{
			Part:    "bApp",
			Name:    fmt.Sprintf("module-%d", i),
			Version: "1.0",
			Artifacts: []model.Artifact{{
				Filename: "fw.bin",
				Size:     int64(len(body)),
				Hashes:   model.Hashes{SHA256: hex.EncodeToString(sum[:])},
				Links:    model.ArtifactLinks{Download: &model.Link{Href: href}},
			}},
		})
	}
	d := descriptor("42")
	d.Deployment.Chunks = chunks
	h.source.set("dep/42", d, nil)
	h.machine.config.Fetcher = download.NewFetcher(transport, download.Config{Policy: retry.Policy{Attempts: 1}})

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	h.waitState(t, StateClosed)
	h.machine.Wait()

	assert.Equal(t, model.FinishedSuccess, h.machine.Snapshot().Finished)
	require.Len(t, h.installer.requests, 1)
	artifacts := h.installer.requests[0].Artifacts
	require.Len(t, artifacts, 2)
	assert.NotEqual(t, artifacts[0].Path, artifacts[1].Path)
	assert.Equal(t, bodies, h.installer.contents[0])
}

func TestDownloadFailureClosesAction(t *testing.T) {
	h := newHarness(t)
	h.source.set("dep/42", descriptor("42", "a.img"), nil)
	h.fetcher.err = &download.IntegrityError{Filename: "a.img", Kind: download.HashMismatch, Err: errors.New("sha256 mismatch")}

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	h.waitState(t, StateClosed)
	h.machine.Wait()

	assert.Equal(t, model.FinishedFailure, h.machine.Snapshot().Finished)
	messages := h.reporter.sent()
	require.Len(t, messages, 2)
	last := messages[1]
	assert.Equal(t, model.ExecutionClosed, last.Execution)
	assert.Equal(t, model.FinishedFailure, last.Finished)
	require.Len(t, last.Details, 1)
	assert.Contains(t, last.Details[0], "a.img")
	assert.Empty(t, h.installer.requests)
}

func TestInstallFailureClosesAction(t *testing.T) {
	h := newHarness(t)
	h.source.set("dep/42", descriptor("42", "a.img"), nil)
	h.installer.err = &install.ExternalStepError{Step: "install", Err: errors.New("disk full")}

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	h.waitState(t, StateClosed)
	h.machine.Wait()

	messages := h.reporter.sent()
	require.Len(t, messages, 4)
	assert.Equal(t, model.FinishedFailure, messages[3].Finished)
	assert.Contains(t, messages[3].Details[0], "disk full")
}

func TestSecondOfferIsRejected(t *testing.T) {
	h := newHarness(t)
	h.source.set("dep/42", descriptor("42", "a.img"), nil)
	h.fetcher.block = true

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	waitSignal(t, h.fetcher.started, "download start")

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "43", Href: "dep/43"}))

	snapshot := h.machine.Snapshot()
	assert.Equal(t, "42", snapshot.ActionID)
	assert.Equal(t, StateDownloading, snapshot.State)
	assert.True(t, snapshot.Active)

	messages := h.reporter.sent()
	require.Len(t, messages, 2)
	assert.Equal(t, "43", messages[1].ActionID)
	assert.Equal(t, model.ExecutionRejected, messages[1].Execution)
	assert.Equal(t, model.FinishedNone, messages[1].Finished)

	require.NoError(t, h.machine.Cancel(context.Background(), CancelRequest{CancelID: "c1", StopID: "42"}))
}

func TestRepeatedOfferIsRejectedOnce(t *testing.T) {
	h := newHarness(t)
	h.source.set("dep/42", descriptor("42", "a.img"), nil)
	h.source.set("dep/43", descriptor("43", "b.img"), nil)
	h.fetcher.block = true

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	waitSignal(t, h.fetcher.started, "download start")

	lost := &client.TransportError{Op: "feedback", Err: errors.New("connection reset")}
	h.reporter.failWith(lost)
	assert.Equal(t, lost, h.machine.Offer(context.Background(), Offer{ActionID: "43", Href: "dep/43"}))
	h.reporter.failWith(nil)

	// lost rejection is reported again, a delivered one is not
	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "43", Href: "dep/43"}))
	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "43", Href: "dep/43"}))

	var rejections int
	for _, m := range h.reporter.sent() {
		if m.Execution == model.ExecutionRejected {
			assert.Equal(t, "43", m.ActionID)
			rejections++
		}
	}
	assert.Equal(t, 2, rejections)
	assert.Equal(t, StateDownloading, h.machine.Snapshot().State)

	require.NoError(t, h.machine.Cancel(context.Background(), CancelRequest{CancelID: "c1", StopID: "42"}))
	h.machine.Wait()

	// the slot is free again, so 43 now starts
	h.fetcher.mu.Lock()
	h.fetcher.block = false
	h.fetcher.mu.Unlock()
	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "43", Href: "dep/43"}))
	require.Eventually(t, func() bool {
		s := h.machine.Snapshot()
		return s.ActionID == "43" && s.State == StateClosed
	}, waitFor, 5*time.Millisecond)
}

func TestLostCancelFeedbackIsResent(t *testing.T) {
	h := newHarness(t)
	h.source.set("dep/42", descriptor("42", "a.img"), nil)
	h.fetcher.block = true

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	waitSignal(t, h.fetcher.started, "download start")

	h.reporter.failWith(errors.New("unreachable"))
	require.NoError(t, h.machine.Cancel(context.Background(), CancelRequest{CancelID: "7", StopID: "42"}))
	h.machine.Wait()
	h.reporter.failWith(nil)
	before := len(h.reporter.sent())

	require.NoError(t, h.machine.Cancel(context.Background(), CancelRequest{CancelID: "7", StopID: "42"}))
	require.NoError(t, h.machine.Cancel(context.Background(), CancelRequest{CancelID: "7", StopID: "42"}))

	messages := h.reporter.sent()
	require.Len(t, messages, before+1)
	assert.Equal(t, feedback.CancelAction, messages[before].Resource)
	assert.Equal(t, model.ExecutionCanceled, messages[before].Execution)
}

func TestCancelWhileDownloading(t *testing.T) {
	h := newHarness(t)
	h.source.set("dep/42", descriptor("42", "a.img"), nil)
	h.fetcher.block = true

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	waitSignal(t, h.fetcher.started, "download start")

	require.NoError(t, h.machine.Cancel(context.Background(), CancelRequest{CancelID: "7", StopID: "42"}))
	waitSignal(t, h.fetcher.aborted, "download abort")
	waitSignal(t, h.machine.Freed(), "slot freed")

	assert.Equal(t, Snapshot{ActionID: "42", State: StateCanceled, Finished: model.FinishedSuccess}, h.machine.Snapshot())
	messages := h.reporter.sent()
	require.Len(t, messages, 2)
	assert.Equal(t, feedback.Message{
		ActionID:  "7",
		Resource:  feedback.CancelAction,
		Execution: model.ExecutionCanceled,
		Finished:  model.FinishedSuccess,
		Details:   []string{"Action canceled"},
	}, messages[1])

	h.machine.Wait()
	assert.Len(t, h.reporter.sent(), 2)
	assert.NoDirExists(t, filepath.Join(h.dir, "action-42"))
}

func TestCancelWhileInstalling(t *testing.T) {
	h := newHarness(t)
	h.source.set("dep/42", descriptor("42", "a.img"), nil)
	h.installer.block = true

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	waitSignal(t, h.installer.started, "install start")
	assert.Equal(t, StateInstalling, h.machine.Snapshot().State)

	require.NoError(t, h.machine.Cancel(context.Background(), CancelRequest{CancelID: "7", StopID: "42"}))
	waitSignal(t, h.installer.aborted, "install abort")
	h.machine.Wait()

	assert.Equal(t, StateCanceled, h.machine.Snapshot().State)
	assert.Equal(t, model.ExecutionCanceled, h.reporter.sent()[len(h.reporter.sent())-1].Execution)
}

func TestCancelFromEveryActiveState(t *testing.T) {
	testCases := map[State]func(h *harness){
		StatePending: func(h *harness) {
			h.source.set("", nil, &client.TransportError{Op: "deployment-base", Err: errors.New("down")})
		},
		StateVerified: func(h *harness) {
			d := descriptor("42", "a.img")
			d.Deployment.MaintenanceWindow = model.MaintenanceWindowUnavailable
			h.source.set("dep/42", d, nil)
		},
	}
	for state, setup := range testCases {
		t.Run(string(state), func(t *testing.T) {
			h := newHarness(t)
			h.source.set("dep/42", descriptor("42", "a.img"), nil)
			setup(h)

			h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"})
			h.waitState(t, state)

			require.NoError(t, h.machine.Cancel(context.Background(), CancelRequest{CancelID: "7", StopID: "42"}))
			assert.Equal(t, StateCanceled, h.machine.Snapshot().State)
			assert.False(t, h.machine.Snapshot().Active)
		})
	}
}

func TestStaleCancelIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.machine.Cancel(context.Background(), CancelRequest{CancelID: "7", StopID: "41"}))
	assert.Empty(t, h.reporter.sent())

	h.source.set("dep/42", descriptor("42", "a.img"), nil)
	h.fetcher.block = true
	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	waitSignal(t, h.fetcher.started, "download start")

	require.NoError(t, h.machine.Cancel(context.Background(), CancelRequest{CancelID: "7", StopID: "41"}))
	assert.Equal(t, StateDownloading, h.machine.Snapshot().State)
	assert.Len(t, h.reporter.sent(), 1)

	require.NoError(t, h.machine.Cancel(context.Background(), CancelRequest{CancelID: "8", StopID: "42"}))
}

func TestTransportErrorKeepsActionPending(t *testing.T) {
	h := newHarness(t)
	h.source.set("dep/42", descriptor("42", "a.img"), &client.TransportError{Op: "deployment-base", StatusCode: 503, Err: errors.New("unavailable")})

	err := h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"})
	assert.True(t, client.IsRetryable(err))
	assert.Equal(t, StatePending, h.machine.Snapshot().State)
	assert.Empty(t, h.reporter.sent())

	h.source.set("", nil, nil)
	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	h.waitState(t, StateClosed)
	assert.Equal(t, model.FinishedSuccess, h.machine.Snapshot().Finished)
}

func TestInvalidDescriptorClosesAction(t *testing.T) {
	testCases := map[string]*model.DeploymentBase{
		"id mismatch":     descriptor("99", "a.img"),
		"unsafe filename": descriptor("42", "../a.img"),
	}
	for name, d := range testCases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.source.set("dep/42", d, nil)

			require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
			assert.Equal(t, Snapshot{ActionID: "42", State: StateClosed, Finished: model.FinishedFailure}, h.machine.Snapshot())
			messages := h.reporter.sent()
			require.Len(t, messages, 1)
			assert.Equal(t, model.ExecutionClosed, messages[0].Execution)
			assert.Equal(t, model.FinishedFailure, messages[0].Finished)
		})
	}
}

func TestMaintenanceWindowHoldsInstallation(t *testing.T) {
	h := newHarness(t)
	d := descriptor("42", "a.img")
	d.Deployment.MaintenanceWindow = model.MaintenanceWindowUnavailable
	h.source.set("dep/42", d, nil)

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	h.waitState(t, StateVerified)
	h.machine.Wait()

	messages := h.reporter.sent()
	require.Len(t, messages, 2)
	assert.Contains(t, messages[1].Details, detailWaitingForWindow)

	// still closed window: nothing happens
	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	h.machine.Wait()
	assert.Equal(t, StateVerified, h.machine.Snapshot().State)
	assert.Empty(t, h.installer.requests)

	d = descriptor("42", "a.img")
	d.Deployment.MaintenanceWindow = model.MaintenanceWindowAvailable
	h.source.set("dep/42", d, nil)
	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	h.waitState(t, StateClosed)

	assert.Equal(t, model.FinishedSuccess, h.machine.Snapshot().Finished)
	require.Len(t, h.installer.requests, 1)
	require.Len(t, h.installer.requests[0].Artifacts, 1)
}

func TestReofferOfFinishedActionRepeatsFeedback(t *testing.T) {
	h := newHarness(t)
	h.source.set("dep/42", descriptor("42", "a.img"), nil)

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	h.waitState(t, StateClosed)
	h.machine.Wait()
	before := len(h.reporter.sent())

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	messages := h.reporter.sent()
	require.Len(t, messages, before+1)
	assert.Equal(t, messages[before-1], messages[before])
	assert.Len(t, h.installer.requests, 1)
}

func TestNewActionAfterTerminal(t *testing.T) {
	h := newHarness(t)
	h.source.set("dep/42", descriptor("42", "a.img"), nil)
	h.source.set("dep/43", descriptor("43", "b.img"), nil)

	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "42", Href: "dep/42"}))
	h.waitState(t, StateClosed)
	require.NoError(t, h.machine.Offer(context.Background(), Offer{ActionID: "43", Href: "dep/43"}))
	require.Eventually(t, func() bool {
		s := h.machine.Snapshot()
		return s.ActionID == "43" && s.State == StateClosed
	}, waitFor, 5*time.Millisecond)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateClosed, StateCanceled, StateRejected} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StatePending, StateDownloading, StateVerified, StateInstalling} {
		assert.False(t, s.Terminal(), s)
	}
}
