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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestReadConfigOverridesOnlyWhatIsSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ptptrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capture:
  interfaces: ["eth0"]
registry:
  host_eviction_seconds: 90
`), 0o600))

	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, []string{"eth0"}, c.Capture.Interfaces)
	require.Equal(t, 90, c.Registry.HostEvictionSeconds)
	// untouched defaults survive the overlay
	require.Equal(t, 3.0, c.Registry.AnnounceTimeoutMultiplier)
	require.Equal(t, LogFormatText, c.Logging.Format)
}

func TestValidateRejectsBothCaptureModes(t *testing.T) {
	c := DefaultConfig()
	c.Capture.Interfaces = []string{"eth0"}
	c.Capture.PcapFile = "trace.pcap"
	require.Error(t, c.Validate())
}

func TestValidateRejectsBadLogFormat(t *testing.T) {
	c := DefaultConfig()
	c.Logging.Format = "xml"
	require.Error(t, c.Validate())
}

func TestValidateRejectsNonPositiveEviction(t *testing.T) {
	c := DefaultConfig()
	c.Registry.HostEvictionSeconds = 0
	require.Error(t, c.Validate())
}
