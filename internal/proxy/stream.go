package proxy

import (
	"context"
	"io"
	"net/http"
)

const relayChunkSize = 32 * 1024

// Relay copies upstream bytes to the caller as they arrive, one chunk
// at a time, flushing after every chunk so token-by-token delivery is
// not delayed by server buffering. The caller's disconnect surfaces
// as a write error or context cancellation, and the upstream read is
// abandoned immediately; a failure mid-stream simply terminates the
// stream, the status line is already on the wire.
func Relay(ctx context.Context, dst http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, relayChunkSize)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}
