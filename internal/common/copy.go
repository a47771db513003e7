/*
Copyright (c) 2009 The Go Authors. All rights reserved.

Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are
met:

   * Redistributions of source code must retain the above copyright
notice, this list of conditions and the following disclaimer.
   * Redistributions in binary form must reproduce the above
copyright notice, this list of conditions and the following disclaimer
in the documentation and/or other materials provided with the
distribution.
   * Neither the name of Google Inc. nor the names of its
contributors may be used to endorse or promote products derived from
this software without specific prior written permission.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS
"AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT
LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR
A PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT
OWNER OR CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT
LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
(INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.
*/
/*
Forked from https://golang.org/src/io/io.go
*/
package common

import (
	"io"
	"net"
	"sync"
	"time"
)

type closeWriter interface {
	CloseWrite() error
}

// Copy copies from src to dst until src reaches EOF or an error occurs. A zero srcReadTimeout disables the
// read deadline. When the copy ends dst's writing direction is shut, with CloseWrite if dst has one and Close
// otherwise. src is left open.
func Copy(dst io.WriteCloser, src net.Conn, srcReadTimeout time.Duration) (written int64, err error) {
	size := 32 * 1024
	buf := make([]byte, size)
	for {
		if srcReadTimeout != 0 {
			err = src.SetReadDeadline(time.Now().Add(srcReadTimeout))
			if err != nil {
				break
			}
		}
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if ew != nil {
				err = ew
				break
			}
			if nr != nw {
				err = io.ErrShortWrite
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
	if cw, ok := dst.(closeWriter); ok {
		cw.CloseWrite()
	} else {
		dst.Close()
	}
	return written, err
}

// Pipe copies between a and b in both directions until both are done, then closes both. It returns the bytes
// copied from a to b and from b to a, and the first error met.
func Pipe(a, b net.Conn, readTimeout time.Duration) (aToB int64, bToA int64, err error) {
	var wg sync.WaitGroup
	var errAToB error
	wg.Add(1)
	go func() {
		defer wg.Done()
		aToB, errAToB = Copy(b, a, readTimeout)
	}()
	bToA, err = Copy(a, b, readTimeout)
	wg.Wait()
	a.Close()
	b.Close()
	if err == nil {
		err = errAToB
	}
	return
}
