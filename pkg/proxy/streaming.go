package proxy

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
)

func contentType(urlPath string) string {
	if ct := mime.TypeByExtension(path.Ext(urlPath)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (p *Proxy) streamData(w http.ResponseWriter, r *http.Request, data []byte) error {

	w.Header().Set("Content-Type", contentType(r.URL.Path))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return nil
	}

	written, err := io.Copy(w, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if written != int64(len(data)) {
		return io.ErrShortWrite
	}
	return nil
}
