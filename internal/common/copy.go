package common

import (
	"io"
	"net"
	"time"
)

// Pump copies src into dst until EOF or error, then closes both ends. A
// non-zero srcReadTimeout bounds how long a single read may stall.
func Pump(dst net.Conn, src net.Conn, srcReadTimeout time.Duration) (written int64, err error) {
	buf := make([]byte, 32*1024)
	for {
		if srcReadTimeout != 0 {
			err = src.SetReadDeadline(time.Now().Add(srcReadTimeout))
			if err != nil {
				break
			}
		}
		nr, er := src.Read(buf)
		if nr > 0 {
			var offset int
			for offset < nr {
				nw, ew := dst.Write(buf[offset:nr])
				if nw > 0 {
					written += int64(nw)
				}
				if ew != nil {
					err = ew
					break
				}
				offset += nw
			}
			if err != nil {
				break
			}
		}
		if er != nil {
			if er != io.EOF {
				err = er
			}
			break
		}
	}
	src.Close()
	dst.Close()
	return written, err
}
