package lspclient

import (
	"bytes"

	"github.com/rs/zerolog"
)

const maxStderrLine = 4096

// stderrWriter logs complete lines of a server's stderr at debug level.
// exec copies stderr from a single goroutine so no locking is needed.
type stderrWriter struct {
	log *zerolog.Logger
	buf []byte
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}
	if len(w.buf) > maxStderrLine {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *stderrWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) > 0 {
		w.log.Debug().Str("stream", "stderr").Msg(string(line))
	}
}
