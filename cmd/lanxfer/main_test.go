package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lanxfer/discovery"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LANXFER_DOWNLOAD_DIR", t.TempDir())
	t.Setenv("LANXFER_PEER_ID", "alice")
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--data-dir", t.TempDir(), "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestIDCommand(t *testing.T) {
	out, err := run(t, "id")
	require.NoError(t, err)
	assert.Contains(t, out, "peer id:    alice")
	assert.Contains(t, out, "share as:   alice@")

	var share string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "share as:   "); ok {
			share = rest
		}
	}
	peer, err := discovery.ParsePeer(share)
	require.NoError(t, err, "the printed entry is accepted as a peer")
	assert.Equal(t, "alice", peer.ID)
	assert.Len(t, peer.StaticKey, 32)
}

func TestHistoryCommandEmpty(t *testing.T) {
	out, err := run(t, "history", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "FINISHED")
}

func TestCheckpointsCommandEmpty(t *testing.T) {
	out, err := run(t, "checkpoints")
	require.NoError(t, err)
	assert.Contains(t, out, "UPDATED")
}

func TestSendRequiresArguments(t *testing.T) {
	_, err := run(t, "send", "bob@127.0.0.1:1")
	assert.Error(t, err)

	_, err = run(t, "send", "not-a-peer", "file.bin")
	assert.Error(t, err)
}
