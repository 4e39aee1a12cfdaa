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

// Package config reads the optional YAML configuration file. Values in the
// file act as defaults; command line flags override them.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mendersoftware/hawkbit-client/model"
)

type File struct {
	ServerURL          string            `yaml:"server_url"`
	Tenant             string            `yaml:"tenant"`
	ControllerID       string            `yaml:"controller_id"`
	TargetToken        string            `yaml:"target_token"`
	GatewayToken       string            `yaml:"gateway_token"`
	TokenFile          string            `yaml:"token_file"`
	InsecureSkipVerify *bool             `yaml:"insecure_skip_verify"`
	HashAlgorithms     []string          `yaml:"hash_algorithms"`
	HTTPTimeout        Duration          `yaml:"http_timeout"`
	Retry              RetryConfig       `yaml:"retry"`
	Poll               PollConfig        `yaml:"poll"`
	Download           DownloadConfig    `yaml:"download"`
	Install            InstallConfig     `yaml:"install"`
	Attributes         map[string]string `yaml:"attributes"`
	MetricsListen      string            `yaml:"metrics_listen"`
	LogLevel           string            `yaml:"log_level"`
}

type RetryConfig struct {
	Attempts         uint     `yaml:"attempts"`
	BaseDelay        Duration `yaml:"base_delay"`
	MaxDelay         Duration `yaml:"max_delay"`
	FeedbackAttempts uint     `yaml:"feedback_attempts"`
}

type PollConfig struct {
	MinInterval Duration `yaml:"min_interval"`
	MaxInterval Duration `yaml:"max_interval"`
}

type DownloadConfig struct {
	Dir             string `yaml:"dir"`
	PreferPlainHTTP *bool  `yaml:"prefer_plain_http"`
	Fallback        *bool  `yaml:"fallback"`
}

type InstallConfig struct {
	Command           []string `yaml:"command"`
	SimulatedDuration Duration `yaml:"simulated_duration"`
}

// Duration accepts strings like "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	d.Duration = parsed
	return nil
}

// Load reads path, expanding ${VAR} references from the environment.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("config file not found: %s", path)
		}
		return nil, errors.Wrapf(err, "cannot read config file %q", path)
	}

	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, errors.Wrapf(err, "invalid YAML in %s", path)
	}
	return &f, nil
}

// Apply copies every value present in the file into config.
func (f *File) Apply(config *model.RunConfig) {
	setString(&config.ServerURL, f.ServerURL)
	setString(&config.Tenant, f.Tenant)
	setString(&config.ControllerID, f.ControllerID)
	setString(&config.TargetToken, f.TargetToken)
	setString(&config.GatewayToken, f.GatewayToken)
	setString(&config.TokenFile, f.TokenFile)
	setBool(&config.SkipVerify, f.InsecureSkipVerify)
	if len(f.HashAlgorithms) > 0 {
		config.HashAlgorithms = f.HashAlgorithms
	}
	setDuration(&config.HTTPTimeout, f.HTTPTimeout)

	if f.Retry.Attempts > 0 {
		config.RetryAttempts = f.Retry.Attempts
	}
	setDuration(&config.RetryBaseDelay, f.Retry.BaseDelay)
	setDuration(&config.RetryMaxDelay, f.Retry.MaxDelay)
	if f.Retry.FeedbackAttempts > 0 {
		config.FeedbackAttempts = f.Retry.FeedbackAttempts
	}

	setDuration(&config.MinPollInterval, f.Poll.MinInterval)
	setDuration(&config.MaxPollInterval, f.Poll.MaxInterval)

	setString(&config.DownloadDir, f.Download.Dir)
	setBool(&config.PreferPlainHTTP, f.Download.PreferPlainHTTP)
	setBool(&config.DownloadFallback, f.Download.Fallback)

	if len(f.Install.Command) > 0 {
		config.InstallCommand = f.Install.Command
	}
	setDuration(&config.InstallTime, f.Install.SimulatedDuration)

	if len(f.Attributes) > 0 {
		if config.Attributes == nil {
			config.Attributes = map[string]string{}
		}
		for k, v := range f.Attributes {
			config.Attributes[k] = v
		}
	}
	setString(&config.MetricsListen, f.MetricsListen)
	setString(&config.LogLevel, f.LogLevel)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
