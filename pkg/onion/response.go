package onion

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/samber/oops"
)

const (
	responseChunkLen = 1024

	// maxResponseLen caps how much of a response is kept. Hitting the cap
	// truncates, it is not an error.
	maxResponseLen = 10 << 20
)

// ReadResponse drains the connection in fixed-size chunks, applying perRead
// as an independent deadline on every read. Reading stops on EOF, on a
// zero-length read, or at the size cap. A read exceeding its deadline fails
// with ErrReadTimeout alongside whatever was collected; other failures are
// ErrStreamRead. maxLen <= 0 selects the default 10 MiB cap.
func ReadResponse(conn net.Conn, perRead time.Duration, maxLen int64) ([]byte, error) {
	if maxLen <= 0 {
		maxLen = maxResponseLen
	}
	var out []byte
	buf := make([]byte, responseChunkLen)
	for {
		if perRead > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(perRead)); err != nil {
				return out, oops.Wrapf(ErrStreamRead, "set deadline: %v", err)
			}
		}
		n, err := conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			if int64(len(out)) >= maxLen {
				log.WithField("bytes", len(out)).Warn("response truncated at size cap")
				return out[:maxLen], nil
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return out, nil
			case errors.Is(err, os.ErrDeadlineExceeded):
				return out, oops.Wrapf(ErrReadTimeout, "read stalled after %d bytes", len(out))
			default:
				return out, oops.Wrapf(ErrStreamRead, "%v", err)
			}
		}
		if n == 0 {
			return out, nil
		}
	}
}
