package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"locallab/internal/generation"
	"locallab/pkg/types"
)

// writeStream relays s as NDJSON StreamChunk lines. The last line has
// done=true and carries the finish reason or the error. It returns the
// stream's terminal error, if any.
func writeStream(ctx context.Context, w http.ResponseWriter, s *generation.Stream, rl reqLog) error {
	defer s.Close()
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	emit := func(c types.StreamChunk) error {
		buf.Reset()
		if err := enc.Encode(c); err != nil {
			return err
		}
		rl.fragment(buf.Bytes())
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	start, first := time.Now(), true
	for {
		frag, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			sum := s.Summary()
			observeStreamEnd(sum.FinishReason)
			return emit(types.StreamChunk{Done: true, FinishReason: sum.FinishReason, Tokens: sum.Tokens})
		}
		if err != nil {
			sum := s.Summary()
			observeStreamEnd(sum.FinishReason)
			if ctx.Err() == nil {
				_ = emit(types.StreamChunk{Done: true, FinishReason: sum.FinishReason, Tokens: sum.Tokens, Error: err.Error()})
			}
			return err
		}
		if first {
			streamFirstFragment.Observe(time.Since(start).Seconds())
			first = false
		}
		if err := emit(types.StreamChunk{Token: frag}); err != nil {
			// client went away
			return err
		}
	}
}
