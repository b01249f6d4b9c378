package scheduling

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
)

const (
	// defaultUnaryTimeout bounds non-streaming upstream requests.
	defaultUnaryTimeout = 30 * time.Second
	// imageUnaryTimeout allows for slow diffusion sampling.
	imageUnaryTimeout = 10 * time.Minute
)

// bodyPreparer is implemented by adapters that rewrite request bodies
// before forwarding (the image adapter embeds sampling overrides).
type bodyPreparer interface {
	PrepareBody(op inference.Operation, body []byte, opts inference.Options, info inference.ModelInfo) ([]byte, error)
}

func unaryTimeout(op inference.Operation) time.Duration {
	switch op {
	case inference.OpImagesGenerations:
		return imageUnaryTimeout
	case inference.OpAudioTranscriptions, inference.OpAudioSpeech:
		return imageUnaryTimeout
	default:
		return defaultUnaryTimeout
	}
}

// forward relays one request to the instance's child and streams the
// response back verbatim. Streaming requests live as long as the client
// connection; unary ones are bounded by a per-operation timeout. A client
// disconnect cancels the upstream through the request context.
func (s *Scheduler) forward(w http.ResponseWriter, r *http.Request, inst Instance, op inference.Operation, body []byte, streaming bool) error {
	path, ok := inst.Backend.EndpointMap()[op]
	if !ok {
		return inference.NewError(inference.KindUnsupportedOperation,
			"model %s (recipe %s) does not support %s", inst.ModelID, inst.Recipe, op)
	}
	if prep, ok := inst.Backend.(bodyPreparer); ok {
		prepared, err := prep.PrepareBody(op, body, inst.Options, inst.Info)
		if err != nil {
			return err
		}
		body = prepared
	}

	ctx := r.Context()
	if !streaming {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, unaryTimeout(op))
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inst.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return inference.WrapError(inference.KindInternal, err, "failed to build upstream request")
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		if r.Context().Err() != nil {
			return inference.WrapError(inference.KindCancelled, r.Context().Err(), "client disconnected")
		}
		return inference.WrapError(inference.KindUpstreamError, err, "engine request for %s failed", inst.ModelID)
	}
	defer resp.Body.Close()

	// Non-2xx bodies pass through unchanged so engine error payloads,
	// including model_invalidated codes, reach the client verbatim.
	copyProxyHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	if isEventStream(resp.Header.Get("Content-Type")) {
		return copySSE(w, resp.Body)
	}
	return flushCopy(w, resp.Body)
}

func copyProxyHeaders(w http.ResponseWriter, resp *http.Response) {
	for _, key := range []string{"Content-Type", "Content-Length", "Cache-Control", "X-Request-Id"} {
		if v := resp.Header.Get(key); v != "" {
			w.Header().Set(key, v)
		}
	}
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}

// copySSE relays an event stream preserving its framing: lines pass
// through unmodified and the response is flushed after every complete
// event (blank line). Reads pause while the client socket blocks, so
// backpressure propagates upstream naturally.
func copySSE(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	br := bufio.NewReader(src)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				return werr
			}
			if isBlankLine(line) {
				flush()
			}
		}
		if err == io.EOF {
			flush()
			return nil
		}
		if err != nil {
			flush()
			return err
		}
	}
}

func isBlankLine(line []byte) bool {
	return bytes.Equal(line, []byte("\n")) || bytes.Equal(line, []byte("\r\n"))
}

// flushCopy relays arbitrary bytes, flushing after every chunk so binary
// audio and image streams progress incrementally.
func flushCopy(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// multipartFormValue extracts one form field from a multipart body
// without consuming the original bytes.
func multipartFormValue(body []byte, contentType, field string) (string, error) {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mt, "multipart/") {
		return "", inference.NewError(inference.KindBadRequest, "expected a multipart request body")
	}
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", inference.NewError(inference.KindBadRequest, "malformed multipart body: %v", err)
		}
		if part.FormName() == field {
			value, err := io.ReadAll(io.LimitReader(part, 4096))
			if err != nil {
				return "", inference.NewError(inference.KindBadRequest, "malformed multipart body: %v", err)
			}
			return string(value), nil
		}
	}
}
