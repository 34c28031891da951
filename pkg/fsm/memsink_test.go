package fsm

import (
	"bytes"
	"io"
)

// memSink is a minimal in-memory raft.SnapshotSink used to exercise
// Snapshot/Persist/Restore without a real raft.Raft instance.
type memSink struct {
	buf bytes.Buffer
}

func (m *memSink) Write(p []byte) (int, error) { return m.buf.Write(p) }
func (m *memSink) Close() error                 { return nil }
func (m *memSink) ID() string                   { return "test-snapshot" }
func (m *memSink) Cancel() error                { return nil }

func (m *memSink) toReadCloser() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(m.buf.Bytes()))
}
