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

// Package bmca implements the dataset comparison algorithm (IEEE 1588-2019
// §9.3.4) used to determine, from a set of observed Announce datasets in a
// single domain, which clock the network would elect as Grandmaster. The
// evaluator is read-only: it never originates an Announce and never
// disciplines anything, it only ranks what was already observed.
package bmca

import (
	ptp "github.com/facebookincubator/ptptrace/protocol"
)

// ComparisonResult is the outcome of comparing two datasets.
type ComparisonResult int8

const (
	// ABetterTopo means A is better based on topology (steps removed / port identity tie-break)
	ABetterTopo ComparisonResult = 2
	// ABetter means A is better based on the Announce dataset itself
	ABetter ComparisonResult = 1
	// Unknown means the two datasets are identical
	Unknown ComparisonResult = 0
	// BBetter means B is better based on the Announce dataset itself
	BBetter ComparisonResult = -1
	// BBetterTopo means B is better based on topology
	BBetterTopo ComparisonResult = -2
)

// Dataset is the subset of a Host's last Announce body BMCA needs, plus the
// identity of the port it arrived on so topology tie-breaks have something
// to compare.
type Dataset struct {
	ClockIdentity           ptp.ClockIdentity
	SourcePortIdentity      ptp.PortIdentity
	GrandmasterIdentity     ptp.ClockIdentity
	GrandmasterPriority1    uint8
	GrandmasterPriority2    uint8
	GrandmasterClockQuality ptp.ClockQuality
	StepsRemoved            uint16
}

// FromAnnounce extracts a Dataset from a decoded Announce message.
func FromAnnounce(a *ptp.Announce) Dataset {
	return Dataset{
		ClockIdentity:           a.Header.SourcePortIdentity.ClockIdentity,
		SourcePortIdentity:      a.Header.SourcePortIdentity,
		GrandmasterIdentity:     a.AnnounceBody.GrandmasterIdentity,
		GrandmasterPriority1:    a.AnnounceBody.GrandmasterPriority1,
		GrandmasterPriority2:    a.AnnounceBody.GrandmasterPriority2,
		GrandmasterClockQuality: a.AnnounceBody.GrandmasterClockQuality,
		StepsRemoved:            a.AnnounceBody.StepsRemoved,
	}
}

// comparePortIdentity is a big-endian unsigned lexicographic compare of two
// port identities: clock identity first, port number as tie-break.
func comparePortIdentity(this, that *ptp.PortIdentity) int64 {
	if this.ClockIdentity < that.ClockIdentity {
		return -1
	}
	if this.ClockIdentity > that.ClockIdentity {
		return 1
	}
	return int64(this.PortNumber) - int64(that.PortNumber)
}

// compareTopology breaks a tie between two datasets advertising the same
// Grandmaster: closer stepsRemoved wins, final tie-break is sourcePortIdentity.
func compareTopology(a, b Dataset) ComparisonResult {
	if int(a.StepsRemoved)+1 < int(b.StepsRemoved) {
		return ABetter
	}
	if int(b.StepsRemoved)+1 < int(a.StepsRemoved) {
		return BBetter
	}
	diff := comparePortIdentity(&a.SourcePortIdentity, &b.SourcePortIdentity)
	if diff < 0 {
		return ABetterTopo
	}
	if diff > 0 {
		return BBetterTopo
	}
	return Unknown
}

// Compare implements the IEEE 1588-2019 §9.3.4 dataset comparison: compare
// grandmasterIdentity first; if the two datasets advertise the same
// Grandmaster, the comparison is purely topological (step 7/8). Otherwise
// priority1, clockClass, clockAccuracy, offsetScaledLogVariance and
// priority2 decide in that order, lower always winning, with
// grandmasterIdentity itself as the final numeric tie-break.
func Compare(a, b Dataset) ComparisonResult {
	if a == b {
		return Unknown
	}
	if a.GrandmasterIdentity == b.GrandmasterIdentity {
		return compareTopology(a, b)
	}
	if a.GrandmasterPriority1 < b.GrandmasterPriority1 {
		return ABetter
	}
	if a.GrandmasterPriority1 > b.GrandmasterPriority1 {
		return BBetter
	}
	if a.GrandmasterClockQuality.ClockClass < b.GrandmasterClockQuality.ClockClass {
		return ABetter
	}
	if a.GrandmasterClockQuality.ClockClass > b.GrandmasterClockQuality.ClockClass {
		return BBetter
	}
	if a.GrandmasterClockQuality.ClockAccuracy < b.GrandmasterClockQuality.ClockAccuracy {
		return ABetter
	}
	if a.GrandmasterClockQuality.ClockAccuracy > b.GrandmasterClockQuality.ClockAccuracy {
		return BBetter
	}
	if a.GrandmasterClockQuality.OffsetScaledLogVariance < b.GrandmasterClockQuality.OffsetScaledLogVariance {
		return ABetter
	}
	if a.GrandmasterClockQuality.OffsetScaledLogVariance > b.GrandmasterClockQuality.OffsetScaledLogVariance {
		return BBetter
	}
	if a.GrandmasterPriority2 < b.GrandmasterPriority2 {
		return ABetter
	}
	if a.GrandmasterPriority2 > b.GrandmasterPriority2 {
		return BBetter
	}
	if a.GrandmasterIdentity < b.GrandmasterIdentity {
		return ABetter
	}
	if a.GrandmasterIdentity > b.GrandmasterIdentity {
		return BBetter
	}
	return compareTopology(a, b)
}

// Result is the outcome of electing a Grandmaster over a domain's datasets.
type Result struct {
	// Winner is the elected Grandmaster's Clock Identity.
	Winner ptp.ClockIdentity
	// Changed is true when Winner differs from the previously elected clock
	// in this domain, so the caller can publish a distinct GM-change event.
	Changed bool
}

// Elect returns the winning Dataset over a non-empty set. BMCA is a total
// order over any fixed non-empty set of Announce datasets, so Elect is
// idempotent and independent of input order. The candidates slice is never
// mutated.
func Elect(candidates []Dataset) (Dataset, bool) {
	if len(candidates) == 0 {
		return Dataset{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if Compare(c, best) > 0 {
			best = c
		}
	}
	return best, true
}
