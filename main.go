// Copyright 2022 The relaymq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"

	"github.com/alwitt/relaymq/cmd"
	"github.com/alwitt/relaymq/common"
	"github.com/apex/log"
	apexCLI "github.com/apex/log/handlers/cli"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog           bool
	LogLevel          string `validate:"required,oneof=debug info warn error"`
	ConfigFile        string `validate:"omitempty,file"`
	EnableAdmin       bool
	CollectorPort     int `validate:"gte=0,lt=65536"`
	ReaderPort        int `validate:"gte=0,lt=65536"`
	HeartbeatInterval int `validate:"gte=0"`
	Hostname          string
}

var cmdArgs cliArgs

var logTags log.Fields

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Relay broker fanning collector payloads out to subscribed readers",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "info",
				DefaultText: "info",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
			&cli.BoolFlag{
				Name:        "enable-admin",
				Usage:       "Serve the admin API with default settings even if the config file has none",
				EnvVars:     []string{"ENABLE_ADMIN"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.EnableAdmin,
				Required:    false,
			},
			// Overrides
			&cli.IntFlag{
				Name:        "collector-port",
				Usage:       "Collector endpoint port. Overrides the config file.",
				EnvVars:     []string{"COLLECTOR_PORT"},
				Destination: &cmdArgs.CollectorPort,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "reader-port",
				Usage:       "Reader endpoint port. Overrides the config file.",
				EnvVars:     []string{"READER_PORT"},
				Destination: &cmdArgs.ReaderPort,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "heartbeat-interval",
				Usage:       "Seconds between collector heartbeat rounds. Overrides the config file.",
				EnvVars:     []string{"HEARTBEAT_INTERVAL"},
				Destination: &cmdArgs.HeartbeatInterval,
				Required:    false,
			},
		},
		Action: startBroker,
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	} else {
		log.SetHandler(apexCLI.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// applyOverrides push explicitly given CMD args over the config file values
func applyOverrides(c *cli.Context) {
	if c.IsSet("collector-port") {
		viper.Set("broker.collector_endpoint.listen_port", cmdArgs.CollectorPort)
	}
	if c.IsSet("reader-port") {
		viper.Set("broker.reader_endpoint.listen_port", cmdArgs.ReaderPort)
	}
	if c.IsSet("heartbeat-interval") {
		viper.Set("broker.heartbeat.interval_sec", cmdArgs.HeartbeatInterval)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing(c *cli.Context) (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	if cmdArgs.EnableAdmin || viper.IsSet("admin") {
		common.InstallDefaultAdminConfigValues()
	}
	applyOverrides(c)
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, runTimeContext context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			log.WithFields(logTags).Info("Interrupted")
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// startBroker run the relay broker
func startBroker(c *cli.Context) error {
	config, err := initialCmdArgsProcessing(c)
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunBroker(runTimeContext, config, cmdArgs.Hostname)
}
