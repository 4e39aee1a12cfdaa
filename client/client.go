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

package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/hawkbit-client/key"
	"github.com/mendersoftware/hawkbit-client/model"
)

const urlController = "/{tenant}/controller/v1/{controllerId}"

const (
	resourceDeploymentBase = "deploymentBase"
	resourceCancelAction   = "cancelAction"
)

// maxReplySize bounds the JSON replies read into memory.
const maxReplySize = 4 << 20

type Client struct {
	ControllerID string

	baseURL    *url.URL
	credential *key.Credential
	api        *http.Client
	downloads  *http.Client
	timeout    time.Duration
}

func NewClient(config *model.RunConfig, credential *key.Credential) (*Client, error) {
	path := strings.NewReplacer(
		"{tenant}", url.PathEscape(config.Tenant),
		"{controllerId}", url.PathEscape(config.ControllerID),
	).Replace(urlController)
	base, err := url.Parse(strings.TrimSuffix(config.ServerURL, "/") + path)
	if err != nil {
		return nil, errors.Wrap(err, "invalid server URL")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.SkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	transport.ResponseHeaderTimeout = config.HTTPTimeout

	return &Client{
		ControllerID: config.ControllerID,
		baseURL:      base,
		credential:   credential,
		api:          &http.Client{Transport: transport, Timeout: config.HTTPTimeout},
		downloads:    &http.Client{Transport: transport},
		timeout:      config.HTTPTimeout,
	}, nil
}

// BaseURL returns the controller base resource.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) resolve(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", errors.Wrapf(err, "invalid link %q", href)
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

func (c *Client) feedbackURL(resource, actionID string) string {
	return c.baseURL.String() + "/" + resource + "/" + url.PathEscape(actionID) + "/feedback"
}

func (c *Client) newRequest(ctx context.Context, method, target string, payload interface{}) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewBuffer(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Accept", "application/hal+json, application/json")
	req.Header.Add("Authorization", c.credential.Header())
	return req, nil
}

// do runs a JSON request and decodes the reply into out when it is not nil.
func (c *Client) do(ctx context.Context, op, method, target string, payload, out interface{}) error {
	req, err := c.newRequest(ctx, method, target, payload)
	if err != nil {
		return &ProtocolError{Op: op, Err: err}
	}

	start := time.Now()
	response, err := c.api.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer response.Body.Close()
	elapsed := time.Since(start).Milliseconds()

	log.Debugf("[%s] %-40s %d (%6d ms)", c.ControllerID, op, response.StatusCode, elapsed)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxReplySize))
		return statusError(op, response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxReplySize))
	if err != nil {
		return &TransportError{Op: op, StatusCode: response.StatusCode, Err: err}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ProtocolError{Op: op, StatusCode: response.StatusCode, Err: errors.Wrap(err, "malformed reply")}
	}
	return nil
}

// Poll fetches the controller base resource.
func (c *Client) Poll(ctx context.Context) (*model.PollResponse, error) {
	response := &model.PollResponse{}
	if err := c.do(ctx, "poll", http.MethodGet, c.baseURL.String(), nil, response); err != nil {
		return nil, err
	}
	return response, nil
}

// DeploymentBase fetches the deployment descriptor behind a deploymentBase link.
func (c *Client) DeploymentBase(ctx context.Context, href string) (*model.DeploymentBase, error) {
	target, err := c.resolve(href)
	if err != nil {
		return nil, &ProtocolError{Op: "deployment-base", Err: err}
	}
	response := &model.DeploymentBase{}
	if err := c.do(ctx, "deployment-base", http.MethodGet, target, nil, response); err != nil {
		return nil, err
	}
	return response, nil
}

// CancelAction fetches the cancel resource behind a cancelAction link.
func (c *Client) CancelAction(ctx context.Context, href string) (*model.CancelResponse, error) {
	target, err := c.resolve(href)
	if err != nil {
		return nil, &ProtocolError{Op: "cancel-action", Err: err}
	}
	response := &model.CancelResponse{}
	if err := c.do(ctx, "cancel-action", http.MethodGet, target, nil, response); err != nil {
		return nil, err
	}
	return response, nil
}

// PostDeploymentFeedback reports the status of a deployment action.
func (c *Client) PostDeploymentFeedback(ctx context.Context, actionID string, feedback *model.FeedbackRequest) error {
	op := "deployment-feedback: " + string(feedback.Status.Execution)
	return c.do(ctx, op, http.MethodPost, c.feedbackURL(resourceDeploymentBase, actionID), feedback, nil)
}

// PostCancelFeedback reports the status of a cancel action.
func (c *Client) PostCancelFeedback(ctx context.Context, cancelID string, feedback *model.FeedbackRequest) error {
	op := "cancel-feedback: " + string(feedback.Status.Execution)
	return c.do(ctx, op, http.MethodPost, c.feedbackURL(resourceCancelAction, cancelID), feedback, nil)
}

// PutConfigData pushes the device attributes to a configData link.
func (c *Client) PutConfigData(ctx context.Context, href string, data *model.ConfigDataRequest) error {
	target, err := c.resolve(href)
	if err != nil {
		return &ProtocolError{Op: "config-data", Err: err}
	}
	return c.do(ctx, "config-data", http.MethodPut, target, data, nil)
}

// Download opens an artifact for streaming. The body is aborted when no data
// arrives within the HTTP timeout; the caller must close it.
func (c *Client) Download(ctx context.Context, href string) (io.ReadCloser, error) {
	const op = "download"
	target, err := c.resolve(href)
	if err != nil {
		return nil, &ProtocolError{Op: op, Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, &ProtocolError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/octet-stream")

	start := time.Now()
	response, err := c.downloads.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: op, Err: err}
	}
	elapsed := time.Since(start).Milliseconds()

	log.Debugf("[%s] %-40s %d (%6d ms)", c.ControllerID, op+": "+target, response.StatusCode, elapsed)

	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		cancel()
		return nil, statusError(op, response.StatusCode)
	}
	return newStallReader(response.Body, c.timeout, cancel), nil
}

// stallReader cancels the request when a read does not complete in time.
type stallReader struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	stalled chan struct{}
	once    sync.Once
}

func newStallReader(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *stallReader {
	r := &stallReader{body: body, timeout: timeout, cancel: cancel, stalled: make(chan struct{})}
	if timeout > 0 {
		r.timer = time.AfterFunc(timeout, func() {
			r.once.Do(func() { close(r.stalled) })
			cancel()
		})
	}
	return r
}

func (r *stallReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if r.timer != nil {
		select {
		case <-r.stalled:
			if err != nil && err != io.EOF {
				return n, &TransportError{Op: "download", Err: errors.Wrap(err, "download stalled")}
			}
		default:
			r.timer.Reset(r.timeout)
		}
	}
	if err != nil && err != io.EOF {
		return n, &TransportError{Op: "download", Err: err}
	}
	return n, err
}

func (r *stallReader) Close() error {
	if r.timer != nil {
		r.timer.Stop()
	}
	err := r.body.Close()
	r.cancel()
	return err
}
