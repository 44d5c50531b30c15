package virtio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlk(t *testing.T, path string, readOnly bool) *Blk {
	t.Helper()
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	dev, err := NewBlkTemplate(f, readOnly).Create(newMockVM())
	require.NoError(t, err)
	blk, ok := dev.(*Blk)
	require.True(t, ok)
	return blk
}

func TestBlkGetIDIsStablePerPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))

	first := newTestBlk(t, path, true)
	second := newTestBlk(t, path, true)

	assert.NotEmpty(t, first.serialID)
	assert.Equal(t, first.serialID, second.serialID, "serial id must be stable across devices backed by the same path")
	assert.LessOrEqual(t, len(first.serialID), 20*2, "sanity bound on the generated UUID string length")
}

func TestBlkGetIDDiffersPerPath(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.img")
	pathB := filepath.Join(dir, "b.img")
	require.NoError(t, os.WriteFile(pathA, make([]byte, 4096), 0o644))
	require.NoError(t, os.WriteFile(pathB, make([]byte, 4096), 0o644))

	a := newTestBlk(t, pathA, true)
	b := newTestBlk(t, pathB, true)

	assert.NotEqual(t, a.serialID, b.serialID)
}

func TestBlkExecuteRequestGetID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))
	blk := newTestBlk(t, path, true)

	dev, ok := blk.Device().(device)
	require.True(t, ok)

	const replyAddr = 0x1000
	hdr := virtioBlkReqHdr{reqType: VIRTIO_BLK_T_GET_ID}
	dataDescs := []virtqDescriptor{{addr: replyAddr, length: 20, flags: virtqDescFWrite}}

	status := blk.executeRequest(dev, hdr, dataDescs)
	require.Equal(t, byte(VIRTIO_BLK_S_OK), status)

	reply, err := dev.readGuest(replyAddr, 20)
	require.NoError(t, err)

	expected := make([]byte, 20)
	copy(expected, blk.serialID)
	assert.Equal(t, expected, reply)
}
