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
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/mendersoftware/hawkbit-client/config"
	"github.com/mendersoftware/hawkbit-client/feedback"
	"github.com/mendersoftware/hawkbit-client/model"
	"github.com/mendersoftware/hawkbit-client/retry"
)

func main() {
	doMain(os.Args)
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "hawkbit-client"
	app.Usage = "hawkBit DDI device client"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "env-file",
			Usage: "Load environment variables from `FILE` before reading flags",
		},
	}
	app.Before = func(c *cli.Context) error {
		if path := c.String("env-file"); path != "" {
			if err := godotenv.Load(path); err != nil {
				return errors.Wrapf(err, "cannot load env file %s", path)
			}
		}
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "Poll the server and process deployments",
			Action: cmdRun,
			Flags:  runFlags(),
		},
	}
	return app
}

func doMain(args []string) {
	err := newApp().Run(args)
	if err != nil {
		log.Fatal(err)
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:   "config",
			Usage:  "Path to a YAML configuration `FILE`",
			EnvVar: "HAWKBIT_CONFIG",
		},
		cli.StringFlag{
			Name:   "server-url",
			Usage:  "Server's URL",
			EnvVar: "HAWKBIT_SERVER_URL",
			Value:  "https://localhost",
		},
		cli.StringFlag{
			Name:   "tenant",
			Usage:  "Tenant name",
			EnvVar: "HAWKBIT_TENANT",
			Value:  model.DefaultTenant,
		},
		cli.StringFlag{
			Name:   "controller-id",
			Usage:  "Controller id of this device",
			EnvVar: "HAWKBIT_CONTROLLER_ID",
		},
		cli.StringFlag{
			Name:   "target-token",
			Usage:  "Target security token",
			EnvVar: "HAWKBIT_TARGET_TOKEN",
		},
		cli.StringFlag{
			Name:   "gateway-token",
			Usage:  "Gateway security token",
			EnvVar: "HAWKBIT_GATEWAY_TOKEN",
		},
		cli.StringFlag{
			Name:   "token-file",
			Usage:  "Path to the token file to use",
			EnvVar: "HAWKBIT_TOKEN_FILE",
		},
		cli.BoolFlag{
			Name:   "insecure-skip-verify",
			Usage:  "Skip TLS certificate verification",
			EnvVar: "HAWKBIT_INSECURE_SKIP_VERIFY",
		},
		cli.StringFlag{
			Name:   "hash-algorithms",
			Usage:  "Comma separated hash algorithms to verify artifacts with",
			EnvVar: "HAWKBIT_HASH_ALGORITHMS",
			Value:  "md5,sha1,sha256",
		},
		cli.UintFlag{
			Name:   "retry-attempts",
			Usage:  "Attempts per request, including the first one",
			EnvVar: "HAWKBIT_RETRY_ATTEMPTS",
			Value:  retry.DefaultAttempts,
		},
		cli.DurationFlag{
			Name:   "retry-base-delay",
			Usage:  "Delay before the first retry",
			EnvVar: "HAWKBIT_RETRY_BASE_DELAY",
			Value:  retry.DefaultBaseDelay,
		},
		cli.DurationFlag{
			Name:   "retry-max-delay",
			Usage:  "Upper bound of the retry delay",
			EnvVar: "HAWKBIT_RETRY_MAX_DELAY",
			Value:  retry.DefaultMaxDelay,
		},
		cli.UintFlag{
			Name:   "feedback-attempts",
			Usage:  "Attempts per feedback message",
			EnvVar: "HAWKBIT_FEEDBACK_ATTEMPTS",
			Value:  feedback.DefaultAttempts,
		},
		cli.DurationFlag{
			Name:   "http-timeout",
			Usage:  "Timeout of API requests; also the stall timeout of downloads",
			EnvVar: "HAWKBIT_HTTP_TIMEOUT",
			Value:  30 * time.Second,
		},
		cli.DurationFlag{
			Name:   "min-poll-interval",
			Usage:  "Lower bound of the server supplied poll interval",
			EnvVar: "HAWKBIT_MIN_POLL_INTERVAL",
		},
		cli.DurationFlag{
			Name:   "max-poll-interval",
			Usage:  "Upper bound of the server supplied poll interval",
			EnvVar: "HAWKBIT_MAX_POLL_INTERVAL",
		},
		cli.StringFlag{
			Name:   "download-dir",
			Usage:  "Directory for downloaded artifacts",
			EnvVar: "HAWKBIT_DOWNLOAD_DIR",
			Value:  "/var/lib/hawkbit-client",
		},
		cli.BoolFlag{
			Name:   "prefer-plain-http",
			Usage:  "Try the plain http artifact location before the https one",
			EnvVar: "HAWKBIT_PREFER_PLAIN_HTTP",
		},
		cli.BoolFlag{
			Name:   "no-download-fallback",
			Usage:  "Do not fall back to the alternate artifact location",
			EnvVar: "HAWKBIT_NO_DOWNLOAD_FALLBACK",
		},
		cli.StringSliceFlag{
			Name:   "attribute",
			Usage:  "Device attribute reported to the server, in the form of key=value",
			EnvVar: "HAWKBIT_ATTRIBUTES",
		},
		cli.StringFlag{
			Name:   "install-command",
			Usage:  "Command installing the artifacts; their paths are appended",
			EnvVar: "HAWKBIT_INSTALL_COMMAND",
		},
		cli.DurationFlag{
			Name:   "install-time",
			Usage:  "Duration of the simulated installation when no install command is set",
			EnvVar: "HAWKBIT_INSTALL_TIME",
			Value:  10 * time.Second,
		},
		cli.StringFlag{
			Name:   "metrics-listen",
			Usage:  "Address to expose prometheus metrics on; disabled when empty",
			EnvVar: "HAWKBIT_METRICS_LISTEN",
		},
		cli.StringFlag{
			Name:   "log-level",
			Usage:  "Log level",
			EnvVar: "HAWKBIT_LOG_LEVEL",
			Value:  "info",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug mode",
		},
	}
}

func cmdRun(args *cli.Context) error {
	config, err := loadRunConfig(args)
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	log.SetLevel(level)
	if args.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, config)
}

// loadRunConfig merges flag defaults, the config file and explicitly set
// flags, in increasing order of precedence.
func loadRunConfig(args *cli.Context) (*model.RunConfig, error) {
	runConfig := &model.RunConfig{}
	if err := applyFlags(args, runConfig, false); err != nil {
		return nil, err
	}
	if path := args.String("config"); path != "" {
		file, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		file.Apply(runConfig)
	}
	if err := applyFlags(args, runConfig, true); err != nil {
		return nil, err
	}
	if err := runConfig.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return runConfig, nil
}

func applyFlags(args *cli.Context, config *model.RunConfig, onlySet bool) error {
	set := func(name string) bool {
		return !onlySet || args.IsSet(name)
	}

	if set("server-url") {
		config.ServerURL = args.String("server-url")
	}
	if set("tenant") {
		config.Tenant = args.String("tenant")
	}
	if set("controller-id") {
		config.ControllerID = args.String("controller-id")
	}
	if set("target-token") {
		config.TargetToken = args.String("target-token")
	}
	if set("gateway-token") {
		config.GatewayToken = args.String("gateway-token")
	}
	if set("token-file") {
		config.TokenFile = args.String("token-file")
	}
	if set("insecure-skip-verify") {
		config.SkipVerify = args.Bool("insecure-skip-verify")
	}
	if set("hash-algorithms") {
		config.HashAlgorithms = splitList(args.String("hash-algorithms"))
	}
	if set("retry-attempts") {
		config.RetryAttempts = args.Uint("retry-attempts")
	}
	if set("retry-base-delay") {
		config.RetryBaseDelay = args.Duration("retry-base-delay")
	}
	if set("retry-max-delay") {
		config.RetryMaxDelay = args.Duration("retry-max-delay")
	}
	if set("feedback-attempts") {
		config.FeedbackAttempts = args.Uint("feedback-attempts")
	}
	if set("http-timeout") {
		config.HTTPTimeout = args.Duration("http-timeout")
	}
	if set("min-poll-interval") {
		config.MinPollInterval = args.Duration("min-poll-interval")
	}
	if set("max-poll-interval") {
		config.MaxPollInterval = args.Duration("max-poll-interval")
	}
	if set("download-dir") {
		config.DownloadDir = args.String("download-dir")
	}
	if set("prefer-plain-http") {
		config.PreferPlainHTTP = args.Bool("prefer-plain-http")
	}
	if set("no-download-fallback") {
		config.DownloadFallback = !args.Bool("no-download-fallback")
	}
	if set("attribute") {
		attributes, err := parseAttributes(args.StringSlice("attribute"))
		if err != nil {
			return err
		}
		if config.Attributes == nil {
			config.Attributes = map[string]string{}
		}
		for k, v := range attributes {
			config.Attributes[k] = v
		}
	}
	if set("install-command") {
		config.InstallCommand = strings.Fields(args.String("install-command"))
	}
	if set("install-time") {
		config.InstallTime = args.Duration("install-time")
	}
	if set("metrics-listen") {
		config.MetricsListen = args.String("metrics-listen")
	}
	if set("log-level") {
		config.LogLevel = args.String("log-level")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseAttributes(values []string) (map[string]string, error) {
	attributes := make(map[string]string, len(values))
	for _, value := range values {
		k, v, ok := strings.Cut(value, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.Errorf("invalid attribute %q, expected key=value", value)
		}
		attributes[k] = v
	}
	return attributes, nil
}
