package packetcodec

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	p := NewBuilder(1234, "cconnect.ping").
		WithBody(map[string]any{"message": "hi", "nested": map[string]any{"a": 1.0}}).
		MustBuild()

	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WritePacket(p))
	require.True(t, strings.HasSuffix(buf.String(), "\n"))

	got, err := NewReader(&buf).ReadPacket()
	require.NoError(t, err)
	if diff := cmp.Diff(p, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripWithPayload(t *testing.T) {
	p := NewBuilder(1, "cconnect.share.request").WithPayload(1048576, 1742).MustBuild()

	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WritePacket(p))

	got, err := NewReader(&buf).ReadPacket()
	require.NoError(t, err)
	require.Equal(t, int64(1048576), got.PayloadSize)
	require.Equal(t, 1742, got.PayloadTransferInfo.Port)
}

func TestBuilderRejectsInconsistentPayload(t *testing.T) {
	// A port advertised with no payload size is inconsistent.
	_, err := NewBuilder(1, "x").WithPayload(0, 1742).Build()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPortWithoutPayloadSize)
}

func TestBuilderPayloadSizeRequiresPort(t *testing.T) {
	b := &Builder{id: 1, typ: "x", body: map[string]any{}, payloadSize: 10}
	_, err := b.Build()
	require.ErrorIs(t, err, ErrPayloadSizeWithoutPort)
}

func TestOversizeFrameCloses(t *testing.T) {
	big := make([]byte, MaxFrameBytes+2)
	for i := range big {
		big[i] = 'a'
	}
	big[len(big)-1] = '\n'
	r := NewReader(bytes.NewReader(big))
	_, err := r.ReadPacket()
	require.ErrorIs(t, err, ErrOversizeFrame)
}

func TestExactlyMaxFrameParses(t *testing.T) {
	// Build a frame whose JSON line is exactly MaxFrameBytes long (excluding
	// the trailing newline) and confirm it still parses.
	base := NewBuilder(1, "cconnect.ping").MustBuild()
	baseLine, err := marshalForSize(base)
	require.NoError(t, err)

	// Grow the body's "pad" field until the serialized line hits the
	// target length exactly; plain 'a' needs no JSON escaping so each
	// added character grows the line by exactly one byte.
	_ = baseLine
	padLen := 0
	for {
		p := NewBuilder(1, "cconnect.ping").WithBody(map[string]any{"pad": strings.Repeat("a", padLen)}).MustBuild()
		line, err := marshalForSize(p)
		require.NoError(t, err)
		if len(line) == MaxFrameBytes {
			break
		}
		if len(line) > MaxFrameBytes {
			t.Fatalf("overshot target frame size")
		}
		padLen += MaxFrameBytes - len(line)
	}

	p := NewBuilder(1, "cconnect.ping").WithBody(map[string]any{"pad": strings.Repeat("a", padLen)}).MustBuild()
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WritePacket(p))
	require.Equal(t, MaxFrameBytes+1, buf.Len()) // +1 for the newline
	_, err = NewReader(bytes.NewReader(buf.Bytes())).ReadPacket()
	require.NoError(t, err)
}

func TestTruncatedStream(t *testing.T) {
	r := NewReader(strings.NewReader(`{"id":1,"type":"cconnect.ping"`)) // no trailing newline, no close brace
	_, err := r.ReadPacket()
	require.ErrorIs(t, err, ErrTruncated)
}

func TestCleanEOFBetweenFrames(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	_, err := r.ReadPacket()
	require.True(t, errors.Is(err, io.EOF))
}

func TestInvalidJSONIsTolerated(t *testing.T) {
	r := NewReader(strings.NewReader("not json\n"))
	_, err := r.ReadPacket()
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
}

func TestMissingTypeIsTolerated(t *testing.T) {
	r := NewReader(strings.NewReader(`{"id":1,"body":{}}` + "\n"))
	_, err := r.ReadPacket()
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	require.ErrorIs(t, decErr, ErrMissingType)
}

func TestCanonicalTypeAcceptsCompatNamespaces(t *testing.T) {
	require.Equal(t, "cconnect.ping", CanonicalType("cconnect.ping"))
	require.Equal(t, "cconnect.ping", CanonicalType("kdeconnect.ping"))
	require.Equal(t, "cconnect.ping", CanonicalType("cosmicconnect.ping"))
	require.Equal(t, "somethingelse", CanonicalType("somethingelse"))
}

func TestNextFrameUnaffectedByPriorDiscard(t *testing.T) {
	r := NewReader(strings.NewReader("garbage\n" + `{"id":2,"type":"cconnect.ping","body":{},"payloadSize":0}` + "\n"))
	_, err := r.ReadPacket()
	require.Error(t, err)
	p, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, int64(2), p.ID)
}

func marshalForSize(p Packet) ([]byte, error) {
	var buf bytes.Buffer
	err := NewWriter(&buf).WritePacket(p)
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	return b, err
}
