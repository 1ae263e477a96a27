/*
Copyright 2024 EdgeGate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command edgegate runs the client device authentication gateway.
//
// The cloud registry and MQTT bindings are provided by the hosting
// runtime; run standalone, the gateway starts in offline mode and
// authenticates devices from its local trust cache only.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgegate/edgegate/lib/config"
	"github.com/edgegate/edgegate/lib/iot"
	"github.com/edgegate/edgegate/lib/service"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

const version = "1.0.0-dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("edgegate", "Client device authentication gateway.")
	debug := app.Flag("debug", "Enable verbose logging.").Short('d').Bool()

	start := app.Command("start", "Start the gateway.")
	configPath := start.Flag("config", "Path to the configuration file.").
		Short('c').Required().String()

	ver := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	logrus.SetLevel(logrus.InfoLevel)
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(*configPath))
	case ver.FullCommand():
		fmt.Println(version)
		return nil
	}
	return nil
}

func onStart(configPath string) error {
	doc, err := config.Load(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	svc, err := service.New(service.Config{
		Document: doc,
		Cloud:    offlineCloud{},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	svc.Start()
	defer svc.Close()
	logrus.Infof("Gateway started, work directory %v.", doc.WorkDirectory)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logrus.Info("Shutting down.")
	return nil
}

// offlineCloud stands in for the runtime's cloud binding: every call
// reports the cloud as unreachable, so verification falls back to the
// local trust cache.
type offlineCloud struct{}

func (offlineCloud) GetActiveCertificateID(ctx context.Context, certificatePEM string) (string, error) {
	return "", trace.ConnectionProblem(nil, "no cloud binding configured")
}

func (offlineCloud) VerifyThingAttachedToCertificate(ctx context.Context, thingName, iotCertificateID string) (bool, error) {
	return false, trace.ConnectionProblem(nil, "no cloud binding configured")
}

func (offlineCloud) ListThingAttributes(ctx context.Context, thingName string) (map[string]string, error) {
	return nil, trace.ConnectionProblem(nil, "no cloud binding configured")
}

func (offlineCloud) ListAssociatedThings(ctx context.Context) ([]string, error) {
	return nil, trace.ConnectionProblem(nil, "no cloud binding configured")
}

var _ iot.CloudClient = offlineCloud{}
