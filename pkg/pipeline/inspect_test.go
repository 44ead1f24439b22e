package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const x264Inspect = `Factory Details:
  Rank                     primary (256)
  Long-name                x264 H.264 Encoder

Pad Templates:
  SINK template: 'sink'
    Availability: Always

Element Properties:

  bitrate             : Bitrate in kbit/sec
                        flags: readable, writable
                        Unsigned Integer. Range: 1 - 2048000 Default: 2048

  qp-max              : Maximum quantizer
                        flags: readable, writable
                        Unsigned Integer. Range: 0 - 63 Default: 51

  tune                : Preset name for non-psychovisual tuning options
                        flags: readable, writable
                        Flags "GstX264EncTune" Default: 0x00000000, "(none)"
                           (0x00000001): stillimage       - Still image

Element Signals:
  "dummy" :  void user_function (GstElement* object,
`

// fakeInspector writes a gst-inspect-1.0 stand-in that knows x264enc,
// v4l2h264enc and timeoverlay.
func fakeInspector(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x264enc.txt"), []byte(x264Inspect), 0o644))

	script := "#!/bin/sh\n" +
		"case \"$1\" in\n" +
		"x264enc) cat \"" + filepath.Join(dir, "x264enc.txt") + "\" ;;\n" +
		"v4l2h264enc) printf 'Element Properties:\\n\\n  extra-controls      : Extra controls\\n                        flags: readable\\n' ;;\n" +
		"timeoverlay) printf 'Element Properties:\\n\\n  halignment          : Horizontal alignment\\n' ;;\n" +
		"*) echo \"No such element or plugin '$1'\" >&2; exit 1 ;;\n" +
		"esac\n"

	path := filepath.Join(dir, "gst-inspect-1.0")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestParseInspect(t *testing.T) {
	require.Equal(t, []string{"bitrate", "qp-max", "tune"}, parseInspect([]byte(x264Inspect)))
	require.Empty(t, parseInspect([]byte("Factory Details:\n  Rank  none\n")))
}

func TestNewResolvesInstalledElements(t *testing.T) {
	inspector := fakeInspector(t)

	for _, launch := range []string{
		"v4l2src ! v4l2h264enc extra-controls=\"controls,video_bitrate=2000000\" ! rtph264pay name=pay0",
		"videotestsrc ! x264enc qp-max=30 tune=zerolatency ! rtph264pay name=pay0",
		"videotestsrc ! timeoverlay halignment=left ! x264enc ! rtph264pay name=pay0",
	} {
		t.Run(launch, func(t *testing.T) {
			p, err := New(launch, WithInspector(inspector))
			require.NoError(t, err)
			require.Equal(t, BackendLaunch, p.Backend())
		})
	}

	require.Contains(t, Elements(), "v4l2h264enc")
}

func TestNewUnresolvedElements(t *testing.T) {
	inspector := fakeInspector(t)

	_, err := New("videotestsrc ! nosuchencoder ! rtph264pay name=pay0", WithInspector(inspector))
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, `no element "nosuchencoder"`, perr.Reason)

	_, err = New("videotestsrc ! x264enc colour=red ! rtph264pay name=pay0", WithInspector(inspector))
	require.True(t, errors.As(err, &perr))
	require.Equal(t, `no property "colour" in element "x264enc"`, perr.Reason)

	// a missing inspector behaves like an unknown factory
	_, err = New("videotestsrc ! unknownoverlay ! rtph264pay name=pay0", WithInspector("/nonexistent/gst-inspect-1.0"))
	require.True(t, errors.As(err, &perr))
	require.Equal(t, `no element "unknownoverlay"`, perr.Reason)
}
