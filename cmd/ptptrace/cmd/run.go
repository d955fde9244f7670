/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebookincubator/ptptrace/capture"
	ptpconfig "github.com/facebookincubator/ptptrace/config"
	"github.com/facebookincubator/ptptrace/pipeline"
	"github.com/facebookincubator/ptptrace/registry"
)

var (
	runIfaces []string
	runPcap   string
	runConfig string
	runNoJoin bool
)

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringSliceVarP(&runIfaces, "interface", "i", nil, "interfaces to capture on (repeatable); default auto-discovers")
	runCmd.Flags().StringVar(&runPcap, "pcap", "", "replay a capture file instead of a live interface")
	runCmd.Flags().StringVar(&runConfig, "config", "", "path to a ptptrace config file")
	runCmd.Flags().BoolVar(&runNoJoin, "no-multicast-join", false, "don't join PTP multicast groups before capturing")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Observe PTP/gPTP traffic and print the discovered topology",
	RunE: func(_ *cobra.Command, _ []string) error {
		ConfigureVerbosity()
		return doRun()
	},
}

func loadConfig() (*ptpconfig.Config, error) {
	cfg := ptpconfig.DefaultConfig()
	if runConfig != "" {
		fileCfg, err := ptpconfig.ReadConfig(runConfig)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if runPcap != "" {
		cfg.Capture.PcapFile = runPcap
		cfg.Capture.Interfaces = nil
	} else if len(runIfaces) > 0 {
		cfg.Capture.Interfaces = runIfaces
		cfg.Capture.PcapFile = ""
	} else if cfg.Capture.PcapFile == "" && len(cfg.Capture.Interfaces) == 0 {
		discovered, err := capture.DiscoverInterfaces(!cfg.Capture.FilterVirtual)
		if err != nil {
			return nil, err
		}
		cfg.Capture.Interfaces = discovered
	}
	return cfg, cfg.Validate()
}

func applyLoggingConfig(cfg ptpconfig.LoggingConfig) {
	if cfg.Format == ptpconfig.LogFormatJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func doRun() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyLoggingConfig(cfg.Logging)

	if cfg.Capture.JoinMulticast && !runNoJoin && cfg.Capture.PcapFile == "" {
		for _, iface := range cfg.Capture.Interfaces {
			capture.JoinMulticastGroups(iface)
		}
	}

	source, err := capture.NewSource(capture.Config{
		Interfaces:     cfg.Capture.Interfaces,
		PcapFile:       cfg.Capture.PcapFile,
		Promiscuous:    cfg.Capture.Promiscuous,
		SnapLen:        cfg.Capture.SnapLen,
		InitialBackoff: time.Duration(cfg.Capture.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Capture.MaxBackoffMs) * time.Millisecond,
		FilterVirtual:  cfg.Capture.FilterVirtual,
		QueueCapacity:  cfg.Capture.QueueCapacity,
	})
	if err != nil {
		return err
	}

	regCfg := registry.Config{
		AnnounceTimeoutMultiplier: int(cfg.Registry.AnnounceTimeoutMultiplier),
		HostEvictionSeconds:       cfg.Registry.HostEvictionSeconds,
		LocalMACs:                 capture.LocalMACs(cfg.Capture.Interfaces),
	}

	p := pipeline.New(pipeline.Config{
		PublishInterval: time.Duration(cfg.UpdateIntervalMs) * time.Millisecond,
		TickInterval:    time.Second,
		TailLength:      64,
		QueueCapacity:   4,
		Interfaces:      cfg.Capture.Interfaces,
		FilterVirtual:   cfg.Capture.FilterVirtual,
		JoinMulticast:   cfg.Capture.JoinMulticast && !runNoJoin,
		Offline:         cfg.Capture.PcapFile != "",
	}, source, regCfg, cfg.Registry.PacketRingCapacity)

	obs := newTextObserver(p.Subscribe())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go obs.run(ctx)

	if err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("sd_notify failed")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	select {
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	case <-ctx.Done():
		select {
		case err := <-runErr:
			if err != nil && err != context.Canceled {
				return err
			}
			return nil
		case <-time.After(2 * time.Second):
			log.Warn("pipeline did not shut down within the grace period, exiting anyway")
			return nil
		}
	}
}
