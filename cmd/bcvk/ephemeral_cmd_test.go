package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgwalters/bcvk/internal/ephemeral"
)

func TestSplitHostTagSplitsOnLastColon(t *testing.T) {
	host, tag, err := splitHostTag("/var/lib/data:shared")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/data", host)
	assert.Equal(t, "shared", tag)
}

func TestSplitHostTagTolerantOfColonsInHostPath(t *testing.T) {
	host, tag, err := splitHostTag("C:/weird/path:tag")
	require.NoError(t, err)
	assert.Equal(t, "C:/weird/path", host)
	assert.Equal(t, "tag", tag)
}

func TestSplitHostTagRejectsMissingTag(t *testing.T) {
	_, _, err := splitHostTag("/just/a/path")
	require.Error(t, err)
}

func TestSplitHostTagRejectsTrailingColon(t *testing.T) {
	_, _, err := splitHostTag("/a/path:")
	require.Error(t, err)
}

func TestRunFlagsToRequestDefaultsToUserModeNetworking(t *testing.T) {
	rf := &runFlags{memoryMB: 2048, vcpus: 2, network: "user", sshPort: 2222}
	req, err := rf.toRequest()
	require.NoError(t, err)
	assert.Equal(t, ephemeral.NetworkUserModeNAT, req.Network)
	assert.Equal(t, 2222, req.UserModeSSHPort)
	assert.Equal(t, int64(2048*1024*1024), req.MemoryBytes)
}

func TestRunFlagsToRequestAllocatesSSHPortWhenOmitted(t *testing.T) {
	rf := &runFlags{memoryMB: 2048, vcpus: 2, network: "user"}
	req, err := rf.toRequest()
	require.NoError(t, err)
	assert.Equal(t, ephemeral.NetworkUserModeNAT, req.Network)
	assert.NotZero(t, req.UserModeSSHPort, "user-mode networking should always get a forwarded SSH port")
}

func TestRunFlagsToRequestParsesBridgeMode(t *testing.T) {
	rf := &runFlags{memoryMB: 2048, vcpus: 2, network: "bridge:br0"}
	req, err := rf.toRequest()
	require.NoError(t, err)
	assert.Equal(t, ephemeral.NetworkNamedBridge, req.Network)
	assert.Equal(t, "br0", req.BridgeName)
}

func TestRunFlagsToRequestRejectsUnknownNetworkMode(t *testing.T) {
	rf := &runFlags{memoryMB: 2048, vcpus: 2, network: "carrier-pigeon"}
	_, err := rf.toRequest()
	require.Error(t, err)
}

func TestRunFlagsToRequestTranslatesBindsDisksAndSideChannels(t *testing.T) {
	rf := &runFlags{
		memoryMB:     2048,
		vcpus:        2,
		network:      "none",
		binds:        []string{"/host/a:shared"},
		roBinds:      []string{"/host/b:readonly"},
		disks:        []string{"/host/disk.raw:data"},
		sideChannels: []string{"/host/out.sock:console"},
	}
	req, err := rf.toRequest()
	require.NoError(t, err)
	require.Len(t, req.BindMounts, 2)
	assert.Equal(t, ephemeral.BindMount{HostPath: "/host/a", Tag: "shared", Writable: true}, req.BindMounts[0])
	assert.Equal(t, ephemeral.BindMount{HostPath: "/host/b", Tag: "readonly", Writable: false}, req.BindMounts[1])
	require.Len(t, req.Disks, 1)
	assert.Equal(t, "data", req.Disks[0].Tag)
	require.Len(t, req.SideChannels, 1)
	assert.Equal(t, "console", req.SideChannels[0].Tag)
}

func TestRunFlagsToRequestRejectsMalformedBind(t *testing.T) {
	rf := &runFlags{memoryMB: 2048, vcpus: 2, network: "none", binds: []string{"no-tag-here"}}
	_, err := rf.toRequest()
	require.Error(t, err)
}

func TestSSHIntoRejectsZeroPort(t *testing.T) {
	err := sshInto(nil, "127.0.0.1", 0, "", nil)
	require.Error(t, err)
}
