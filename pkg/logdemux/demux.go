// Package logdemux splits a multiplexed container log stream into its stdout
// and stderr channels.
//
// The stream is a sequence of frames, each an 8-byte header followed by a
// payload: one stream selector byte, three padding bytes and a big-endian
// uint32 payload length. This is the format the Docker Engine API uses for
// non-TTY container logs.
package logdemux

import (
	"bytes"
	"encoding/binary"
)

const headerLen = 8

// Stream selectors.
const (
	Stdout byte = 1
	Stderr byte = 2
)

// Stats describes how a buffer was decoded.
type Stats struct {
	Frames    int  // frames decoded, including ones on ignored selectors
	Truncated bool // a trailing incomplete frame was dropped
	Plain     bool // no frame decoded; the buffer was treated as plain stdout
}

// Demux decodes raw into separate stdout and stderr text.
func Demux(raw []byte) (stdout, stderr string) {
	stdout, stderr, _ = DemuxWithStats(raw)
	return stdout, stderr
}

// DemuxWithStats is Demux that also reports what the decoder saw.
//
// Decoding stops at the first incomplete frame; everything before it is kept.
// If not a single frame decodes from a non-empty buffer the whole buffer is
// returned as stdout.
func DemuxWithStats(raw []byte) (stdout, stderr string, st Stats) {
	var out, errOut bytes.Buffer

	buf := raw
	for len(buf) > 0 {
		if len(buf) < headerLen {
			st.Truncated = true
			break
		}
		size := binary.BigEndian.Uint32(buf[4:headerLen])
		if uint64(len(buf)-headerLen) < uint64(size) {
			st.Truncated = true
			break
		}
		payload := buf[headerLen : headerLen+int(size)]

		switch buf[0] {
		case Stdout:
			out.Write(payload)
		case Stderr:
			errOut.Write(payload)
		}

		st.Frames++
		buf = buf[headerLen+int(size):]
	}

	if st.Frames == 0 && len(raw) > 0 {
		return string(raw), "", Stats{Plain: true}
	}
	return out.String(), errOut.String(), st
}
