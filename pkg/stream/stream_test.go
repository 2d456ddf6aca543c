package stream

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaysys/fabric/pkg/schema"
)

func schemaZero() schema.Schema {
	return schema.Schema{}
}

func newBuf() (*bytes.Buffer, *bufio.Writer) {
	var buf bytes.Buffer
	return &buf, bufio.NewWriter(&buf)
}

func TestEventFramedSingleFrame(t *testing.T) {
	buf, w := newBuf()
	s := New(w, FormatEventFramed, schemaZero())

	require.NoError(t, s.Send(map[string]any{"message": "hello"}))

	assert.Equal(t, "data: {\"message\":\"hello\"}\n\n", buf.String())
}

func TestNDJSONFrameEndsWithNewline(t *testing.T) {
	buf, w := newBuf()
	s := New(w, FormatNDJSON, schemaZero())

	require.NoError(t, s.Send(map[string]any{"n": 1}))
	require.NoError(t, s.Send(map[string]any{"n": 2}))

	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n", buf.String())
}

func TestSendAfterCloseFails(t *testing.T) {
	_, w := newBuf()
	s := New(w, FormatNDJSON, schemaZero())

	require.NoError(t, s.Close())
	err := s.Send(map[string]any{"n": 1})
	assert.Error(t, err)
}

func TestErrorWritesFrameAndCloses(t *testing.T) {
	buf, w := newBuf()
	s := New(w, FormatEventFramed, schemaZero())

	require.NoError(t, s.Error(assertErr("boom")))

	assert.Contains(t, buf.String(), "event: error")
	assert.Contains(t, buf.String(), "boom")

	err := s.Send(map[string]any{"n": 1})
	assert.Error(t, err, "stream should be closed after Error")
}

func TestSendAfterDisconnectIsANoop(t *testing.T) {
	_, w := newBuf()
	s := New(w, FormatNDJSON, schemaZero())

	s.Disconnect()
	assert.NoError(t, s.Send(map[string]any{"n": 1}), "send after disconnect must be a silent no-op, not an error")
}

func TestWriteFailureMarksStreamDisconnected(t *testing.T) {
	w := bufio.NewWriter(failingWriter{})
	s := New(w, FormatNDJSON, schemaZero())

	require.Error(t, s.Send(map[string]any{"n": 1}), "the first write against a dead connection should surface the error")
	assert.NoError(t, s.Send(map[string]any{"n": 2}), "subsequent sends after a failed write must be no-ops")
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, assertErr("connection reset")
}

func TestContentTypeNDJSONWithoutSchemaIsPlainText(t *testing.T) {
	assert.Equal(t, "text/plain; charset=utf-8", ContentType(FormatNDJSON, schemaZero()))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
