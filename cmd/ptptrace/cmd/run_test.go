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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	ptpconfig "github.com/facebookincubator/ptptrace/config"
)

func TestLoadConfigPrefersExplicitInterfacesOverDiscovery(t *testing.T) {
	runConfig = ""
	runPcap = ""
	runIfaces = []string{"eth3", "eth4"}
	defer func() { runIfaces = nil }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"eth3", "eth4"}, cfg.Capture.Interfaces)
	require.Empty(t, cfg.Capture.PcapFile)
}

func TestLoadConfigPrefersPcapOverInterfaces(t *testing.T) {
	runConfig = ""
	runIfaces = []string{"eth3"}
	runPcap = "trace.pcap"
	defer func() { runIfaces = nil; runPcap = "" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, "trace.pcap", cfg.Capture.PcapFile)
	require.Empty(t, cfg.Capture.Interfaces)
}

func TestLoadConfigReadsConfigFileWhenSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ptptrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  pcap_file: from-file.pcap\n"), 0o644))

	runConfig = path
	runIfaces = nil
	runPcap = ""
	defer func() { runConfig = "" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, "from-file.pcap", cfg.Capture.PcapFile)
}

func TestApplyLoggingConfigAcceptsBothFormats(t *testing.T) {
	applyLoggingConfig(ptpconfig.LoggingConfig{Format: ptpconfig.LogFormatJSON})
	applyLoggingConfig(ptpconfig.LoggingConfig{Format: ptpconfig.LogFormatText})
}
