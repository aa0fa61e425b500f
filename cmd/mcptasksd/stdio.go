package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/mcptasks/mcptasks/internal/router"
)

// runStdio serves r over newline-delimited JSON-RPC 2.0 requests read
// from in and written to out: one request per line in, one response
// per line out. This is the simplest transport the wire protocol
// named in spec.md §6 admits, kept deliberately minimal since
// transport framing itself is explicitly out of scope -- everything
// interesting already happened inside Router.Dispatch by the time a
// line reaches here.
//
// Adapted from the teacher's cmd/contextd/stdio.go, which delegated
// every call over HTTP to a separately-running daemon process; that
// indirection existed only because contextd's MCP server and its
// Qdrant/NATS-backed services were two different binaries. Here the
// router already holds everything a request needs, so stdio dispatches
// directly instead of re-encoding each line as an outbound HTTP call.
func runStdio(ctx context.Context, r *router.Router, in io.Reader, out io.Writer, logger *zap.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	writer := bufio.NewWriter(out)
	defer writer.Flush()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(bytesTrimSpace(line)) == 0 {
			continue
		}

		var req router.JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warn("stdio: malformed JSON-RPC line", zap.Error(err))
			resp := router.ErrorResponse(nil, router.ParseError, "invalid JSON", nil)
			if err := writeLine(writer, resp); err != nil {
				return err
			}
			continue
		}

		resp := r.Dispatch(ctx, &req)
		if err := writeLine(writer, resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio: read loop: %w", err)
	}
	return nil
}

func writeLine(w *bufio.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stdio: marshal response: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("stdio: write response: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

func bytesTrimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
