package handlers

import (
	"net/http"
)

var (
	ssePrefix = []byte("data: ")
	sseSuffix = []byte("\n\n")
)

// sseWriter emits "data: <payload>\n\n" frames and flushes each one.
type sseWriter struct {
	w   http.ResponseWriter
	f   http.Flusher
	buf []byte
}

func newSSEWriter(w http.ResponseWriter, f http.Flusher) *sseWriter {
	return &sseWriter{w: w, f: f}
}

func (s *sseWriter) WriteFrame(data []byte) error {
	s.buf = append(s.buf[:0], ssePrefix...)
	s.buf = append(s.buf, data...)
	s.buf = append(s.buf, sseSuffix...)
	if _, err := s.w.Write(s.buf); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
