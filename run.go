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


package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mendersoftware/hawkbit-client/checksum"
	"github.com/mendersoftware/hawkbit-client/client"
	"github.com/mendersoftware/hawkbit-client/deployment"
	"github.com/mendersoftware/hawkbit-client/download"
	"github.com/mendersoftware/hawkbit-client/feedback"
	"github.com/mendersoftware/hawkbit-client/install"
	"github.com/mendersoftware/hawkbit-client/key"
	"github.com/mendersoftware/hawkbit-client/metrics"
	"github.com/mendersoftware/hawkbit-client/model"
	"github.com/mendersoftware/hawkbit-client/poll"
	"github.com/mendersoftware/hawkbit-client/retry"
)

func run(ctx context.Context, config *model.RunConfig) error {
	credential, err := key.GetCredential(config)
	if err != nil {
		return err
	}
	algorithms, err := checksum.ParseAlgorithms(config.HashAlgorithms)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(config.DownloadDir, 0700); err != nil {
		return errors.Wrap(err, "cannot create download directory")
	}

	c, err := client.NewClient(config, credential)
	if err != nil {
		return err
	}

	policy := retry.Policy{
		Attempts:  config.RetryAttempts,
		BaseDelay: config.RetryBaseDelay,
		MaxDelay:  config.RetryMaxDelay,
	}
	machine := deployment.NewMachine(deployment.Config{
		Source: c,
		Fetcher: download.NewFetcher(c, download.Config{
			Policy:          policy,
			Algorithms:      algorithms,
			PreferPlainHTTP: config.PreferPlainHTTP,
			Fallback:        config.DownloadFallback,
		}),
		Reporter:    feedback.NewReporter(c, policy.WithAttempts(config.FeedbackAttempts)),
		Installer:   newInstaller(config),
		DownloadDir: config.DownloadDir,
	})
	scheduler := poll.NewScheduler(c, machine, poll.Config{
		Policy:      policy,
		MinInterval: config.MinPollInterval,
		MaxInterval: config.MaxPollInterval,
		Attributes:  config.Attributes,
	})

	log.Infof("[%s] polling %s", config.ControllerID, c.BaseURL())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	if config.MetricsListen != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, config.MetricsListen)
		})
	}
	err = g.Wait()
	machine.Wait()
	log.Info("stopped")
	return err
}

func newInstaller(config *model.RunConfig) install.Installer {
	if len(config.InstallCommand) > 0 {
		return &install.Command{
			Path: config.InstallCommand[0],
			Args: config.InstallCommand[1:],
		}
	}
	log.Warn("no install command configured, installations are simulated")
	return &install.Simulated{Duration: config.InstallTime}
}
