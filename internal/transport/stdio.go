// ABOUTME: Newline-delimited JSON-RPC over an input/output stream pair
// ABOUTME: The credential is presented once at session start; requests run concurrently

package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/2389/tenant-gateway/internal/auth"
)

// Stdio serves JSON-RPC over newline-delimited JSON.
type Stdio struct {
	Dispatcher  Dispatcher
	Credential  auth.Credential
	Logger      *slog.Logger
	MaxInflight int
}

// Serve authenticates the session credential, then reads one payload per line
// from in and writes one response per line to out. At end of input it waits
// for in-flight requests; cancelling ctx abandons them.
func (s *Stdio) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport", "transport", NameStdio)

	tc, err := s.Dispatcher.Authenticate(ctx, s.Credential, NameStdio)
	if err != nil {
		return fmt.Errorf("authenticating stdio session: %w", err)
	}
	logger.Info("stdio session started", "tenant_id", tc.TenantID(), "credential_id", tc.CredentialID())

	var mu sync.Mutex
	w := bufio.NewWriter(out)
	send := func(_ context.Context, body []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := w.Write(body); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
		return w.Flush()
	}

	st := newStream(ctx, s.Dispatcher, s.Credential, NameStdio, s.MaxInflight, logger, send)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			st.close()
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := st.dispatch(bytes.Clone(line), nil); err != nil {
			st.close()
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		st.close()
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("stdio message exceeds %d bytes", MaxMessageSize)
		}
		return fmt.Errorf("reading stdio: %w", err)
	}

	st.drain()
	logger.Info("stdio session ended")
	return ctx.Err()
}
