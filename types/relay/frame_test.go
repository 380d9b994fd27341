package relay

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameHeader(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)

	require.NoError(t, writeFrameHeader(bw, framePeerGone, 33))
	require.NoError(t, bw.Flush())

	assert.Equal(t, []byte{10, 0, 0, 0, 33}, buf.Bytes())

	typ, l, err := readFrameHeader(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, framePeerGone, typ)
	assert.Equal(t, uint32(33), l)
}

func TestWriteFrameParts(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)

	require.NoError(t, writeFrame(bw, frameForwardPacket, []byte{1, 2}, []byte{3}, nil, []byte{4, 5}))
	require.NoError(t, bw.Flush())

	assert.Equal(t, []byte{11, 0, 0, 0, 5, 1, 2, 3, 4, 5}, buf.Bytes())
}

func TestReadFrameHeaderShort(t *testing.T) {
	_, _, err := readFrameHeader(bufio.NewReader(bytes.NewReader([]byte{1, 0, 0})))
	assert.Error(t, err)
}

func TestRejectedError(t *testing.T) {
	var err error = &RejectedError{Reason: "mesh key mismatch"}

	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "mesh key mismatch")

	var rej *RejectedError
	assert.ErrorAs(t, err, &rej)
	assert.Equal(t, "mesh key mismatch", rej.Reason)
}
