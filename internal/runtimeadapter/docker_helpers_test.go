package runtimeadapter

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frame builds one multiplexed stream frame: 8-byte header (stream type
// + big-endian length) followed by the payload.
func frame(streamType byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = streamType
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	return append(header, payload...)
}

func TestReadMultiplexFrame_SeparatesStreams(t *testing.T) {
	var raw bytes.Buffer
	raw.Write(frame(1, "out line\n"))
	raw.Write(frame(2, "err line\n"))

	br := bufio.NewReader(&raw)

	stream, payload, err := readMultiplexFrame(br)
	require.NoError(t, err)
	assert.Equal(t, "stdout", stream)
	assert.Equal(t, "out line\n", string(payload))

	stream, payload, err = readMultiplexFrame(br)
	require.NoError(t, err)
	assert.Equal(t, "stderr", stream)
	assert.Equal(t, "err line\n", string(payload))

	_, _, err = readMultiplexFrame(br)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadMultiplexFrame_LineSplitAcrossFrames(t *testing.T) {
	// A frame boundary is not a line boundary: one log line may arrive
	// split across two frames, and a single frame may carry several lines.
	var raw bytes.Buffer
	raw.Write(frame(1, "first ha"))
	raw.Write(frame(1, "lf\nsecond line\n"))

	br := bufio.NewReader(&raw)
	var assembled bytes.Buffer
	for {
		stream, payload, err := readMultiplexFrame(br)
		if err != nil {
			break
		}
		require.Equal(t, "stdout", stream)
		assembled.Write(payload)
	}
	assert.Equal(t, "first half\nsecond line\n", assembled.String())
}

func TestParseExecMultiplex(t *testing.T) {
	var raw bytes.Buffer
	raw.Write(frame(1, "to stdout"))
	raw.Write(frame(2, "to stderr"))
	raw.Write(frame(1, " more"))

	var stdout, stderr bytes.Buffer
	parseExecMultiplex(&raw, &stdout, &stderr)

	assert.Equal(t, "to stdout more", stdout.String())
	assert.Equal(t, "to stderr", stderr.String())
}

func TestParseDockerLogLine(t *testing.T) {
	text, ts := parseDockerLogLine([]byte("2026-03-01T12:00:00.5Z hello world"))
	assert.Equal(t, "hello world", text)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC), ts)

	text, ts = parseDockerLogLine([]byte("no timestamp here"))
	assert.Equal(t, "no timestamp here", text)
	assert.True(t, ts.IsZero())
}
