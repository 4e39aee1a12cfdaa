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
	"strings"
	"time"

	"github.com/pkg/errors"
)

const DefaultTenant = "DEFAULT"

type RunConfig struct {
	ServerURL    string
	Tenant       string
	ControllerID string
	TargetToken  string
	GatewayToken string
	TokenFile    string

	HashAlgorithms []string

	RetryAttempts    uint
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	FeedbackAttempts uint
	HTTPTimeout      time.Duration
	SkipVerify       bool
	MinPollInterval  time.Duration
	MaxPollInterval  time.Duration

	DownloadDir      string
	PreferPlainHTTP  bool
	DownloadFallback bool

	Attributes     map[string]string
	InstallCommand []string
	InstallTime    time.Duration

	MetricsListen string
	LogLevel      string
}

// Validate reports configuration errors. These are the only errors fatal
// to the client.
func (c *RunConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return errors.Wrap(err, "invalid server URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("server URL %q must use http or https", c.ServerURL)
	}
	if u.Host == "" {
		return errors.Errorf("server URL %q has no host", c.ServerURL)
	}
	if strings.TrimSpace(c.Tenant) == "" {
		return errors.New("tenant must not be empty")
	}
	if strings.TrimSpace(c.ControllerID) == "" {
		return errors.New("controller id is required")
	}
	if c.TargetToken != "" && c.GatewayToken != "" {
		return errors.New("target token and gateway token are mutually exclusive")
	}
	if c.TargetToken == "" && c.GatewayToken == "" && c.TokenFile == "" {
		return errors.New("a target token, gateway token or token file is required")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("http timeout must be positive")
	}
	if c.MaxPollInterval > 0 && c.MinPollInterval > c.MaxPollInterval {
		return errors.New("min poll interval exceeds max poll interval")
	}
	return nil
}
