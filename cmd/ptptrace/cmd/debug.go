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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
	"github.com/shirou/gopsutil/process"
	"github.com/spf13/cobra"

	"github.com/facebookincubator/ptptrace/capture"
	ptpconfig "github.com/facebookincubator/ptptrace/config"
	"github.com/facebookincubator/ptptrace/decode"
)

var debugPcap string

func init() {
	RootCmd.AddCommand(debugCmd)
	debugCmd.Flags().StringVar(&debugPcap, "pcap", "", "trace file to dump decoded records from")
}

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Dump decoded records and process stats for troubleshooting",
	RunE: func(_ *cobra.Command, _ []string) error {
		ConfigureVerbosity()
		printProcessStats()
		if debugPcap == "" {
			return nil
		}
		return dumpPcap(debugPcap)
	},
}

// printProcessStats reports the debug command's own resource usage, useful
// when a trace is large enough that decoding it is worth keeping an eye on.
func printProcessStats() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.WithError(err).Debug("gathering process stats")
		return
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		log.WithError(err).Debug("reading process memory info")
		return
	}
	fmt.Printf("pid=%d rss=%d vms=%d\n", os.Getpid(), mem.RSS, mem.VMS)
}

func dumpPcap(path string) error {
	cfg := ptpconfig.DefaultConfig()
	cfg.Capture.PcapFile = path
	cfg.Capture.Interfaces = nil

	source, err := capture.NewSource(capture.Config{
		PcapFile: cfg.Capture.PcapFile,
		SnapLen:  cfg.Capture.SnapLen,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	frames, errs := source.Frames(ctx)
	for frames != nil || errs != nil {
		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			rec, err := decode.Decode(f.CaptureTime, f.Interface, decode.NativeVLAN{}, f.Data)
			if err != nil {
				spew.Printf("decode error on %s: %v\n", f.Interface, err)
				continue
			}
			dumpRecord(rec)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			spew.Printf("capture error: %v\n", err)
		}
	}
	return nil
}

func dumpRecord(rec *decode.Record) {
	spew.Printf("%s %s -> %s (%s)\n", rec.CaptureTime.Format(time.RFC3339Nano), rec.SrcMAC, rec.DstMAC, rec.Transport)
	spew.Dump(rec.Packet)
	spew.Println()
}
