package pionstream

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
)

// recorder writes the received video stream to an IVF container. Write
// errors disable the recorder rather than disturbing the session.
type recorder struct {
	mu     sync.Mutex
	writer *ivfwriter.IVFWriter
}

func newRecorder(path string) (*recorder, error) {
	w, err := ivfwriter.New(path)
	if err != nil {
		return nil, err
	}
	return &recorder{writer: w}, nil
}

func (r *recorder) writeRTP(pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return
	}
	if err := r.writer.WriteRTP(pkt); err != nil {
		r.writer.Close()
		r.writer = nil
	}
}

func (r *recorder) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer != nil {
		r.writer.Close()
		r.writer = nil
	}
}
