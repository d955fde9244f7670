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
	"sort"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/facebookincubator/ptptrace/decode"
	"github.com/facebookincubator/ptptrace/pipeline"
	"github.com/facebookincubator/ptptrace/registry"
	"github.com/facebookincubator/ptptrace/topology"
)

// sortedDecodeKinds returns the keys of a decode-warning count map in a
// stable order, so repeated renders of the same counts print identically.
func sortedDecodeKinds(warnings map[decode.Kind]uint64) []decode.Kind {
	out := make([]decode.Kind, 0, len(warnings))
	for k := range warnings {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// textObserver renders each Snapshot as a pair of tables on stdout: hosts
// first, then the edges reconstructed between them. It never writes back to
// the pipeline; "run" only consumes.
type textObserver struct {
	snapshots <-chan *pipeline.Snapshot
}

func newTextObserver(snapshots <-chan *pipeline.Snapshot) *textObserver {
	return &textObserver{snapshots: snapshots}
}

// run prints every Snapshot until the channel closes or ctx is cancelled.
func (o *textObserver) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-o.snapshots:
			if !ok {
				return
			}
			o.render(snap)
		}
	}
}

func (o *textObserver) render(snap *pipeline.Snapshot) {
	fmt.Printf("\n%s  hosts=%d edges=%d decode_errors=%d dropped_frames=%d\n",
		color.CyanString(snap.Generated.Format("15:04:05")), len(snap.Hosts), len(snap.Edges), snap.DecodeErrors, snap.DroppedFrames)
	if snap.CaptureOverrun {
		fmt.Println(color.RedString("capture queue overran, some frames were dropped"))
	}
	if len(snap.DegradedInterfaces) > 0 {
		fmt.Println(color.RedString("degraded interfaces: %v", snap.DegradedInterfaces))
	}
	for _, kind := range sortedDecodeKinds(snap.DecodeWarnings) {
		fmt.Println(color.YellowString("%d decode warnings of kind %s", snap.DecodeWarnings[kind], kind))
	}
	for _, e := range snap.Elections {
		if e.Changed {
			fmt.Println(color.YellowString("domain %d: new grandmaster %s", e.Domain, e.Winner.ClockIdentity))
		}
	}

	renderHosts(snap.Hosts)
	renderEdges(snap.Edges)
}

func renderHosts(hosts []*registry.Host) {
	sorted := make([]*registry.Host, len(hosts))
	copy(sorted, hosts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ClockIdentity < sorted[j].ClockIdentity
	})

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Clock Identity", "State", "Domain", "Transport", "Rate (Hz)", "Confidence", "Last Seen"})
	for _, h := range sorted {
		table.Append([]string{
			h.ClockIdentity.String(),
			stateLabel(h.State),
			fmt.Sprintf("%d", h.Domain),
			h.Transport.String(),
			fmt.Sprintf("%.2f", h.AnnounceRate),
			fmt.Sprintf("%.2f", h.Confidence),
			h.LastSeen.Format("15:04:05"),
		})
	}
	table.Render()
}

func stateLabel(s registry.State) string {
	switch s {
	case registry.StateGrandmaster:
		return color.GreenString(s.String())
	case registry.StateMaster:
		return color.BlueString(s.String())
	case registry.StateInactive:
		return color.YellowString(s.String())
	default:
		return s.String()
	}
}

func renderEdges(edges []topology.Edge) {
	if len(edges) == 0 {
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Transmitter", "Receiver", "Evidence"})
	for _, e := range edges {
		table.Append([]string{e.Transmitter.String(), e.Receiver.String(), e.Evidence.String()})
	}
	table.Render()
}
