package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// ErrUnsupportedCodec is returned by Record for codecs without a container.
var ErrUnsupportedCodec = errors.New("no recorder for codec")

// RTPReader is the read side of a remote track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Recorder writes remote tracks into files under a directory: VP8 as IVF,
// Opus as Ogg and H264 as an Annex-B stream.
type Recorder struct {
	dir string
}

// NewRecorder creates dir if needed.
func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	return &Recorder{dir: dir}, nil
}

// Path returns the file a track named name with codec is written to.
func (r *Recorder) Path(name string, codec pion.RTPCodecParameters) string {
	return filepath.Join(r.dir, name+extension(codec.MimeType))
}

// Record copies packets from src until it ends and returns how many were written.
func (r *Recorder) Record(src RTPReader, name string, codec pion.RTPCodecParameters) (int, error) {
	w, err := r.newWriter(r.Path(name, codec), codec)
	if err != nil {
		return 0, err
	}
	defer w.Close()

	glog.Infof("[media] recording %s to %s", codec.MimeType, r.Path(name, codec))

	n := 0
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("read rtp: %w", err)
		}
		if err := w.WriteRTP(pkt); err != nil {
			return n, fmt.Errorf("write %s: %w", codec.MimeType, err)
		}
		n++
	}
}

func (r *Recorder) newWriter(path string, codec pion.RTPCodecParameters) (pionmedia.Writer, error) {
	switch {
	case strings.EqualFold(codec.MimeType, pion.MimeTypeVP8):
		return ivfwriter.New(path)
	case strings.EqualFold(codec.MimeType, pion.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		return oggwriter.New(path, codec.ClockRate, channels)
	case strings.EqualFold(codec.MimeType, pion.MimeTypeH264):
		return h264writer.New(path)
	default:
		return nil, fmt.Errorf("%w %s", ErrUnsupportedCodec, codec.MimeType)
	}
}

func extension(mime string) string {
	switch {
	case strings.EqualFold(mime, pion.MimeTypeVP8):
		return ".ivf"
	case strings.EqualFold(mime, pion.MimeTypeOpus):
		return ".ogg"
	case strings.EqualFold(mime, pion.MimeTypeH264):
		return ".h264"
	default:
		return ".rtp"
	}
}
