// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/mailroom-foundation/mailroom/lib/clock"
	"github.com/mailroom-foundation/mailroom/lib/config"
	"github.com/mailroom-foundation/mailroom/lib/hash"
)

func init() {
	RegisterTransport("ssh", func(cfg config.BridgeConfig) (Transport, error) {
		return newSSHTransport(cfg, clock.Real(), nil)
	})
}

const (
	sshDialTimeout  = 15 * time.Second
	sshPollInterval = 5 * time.Second

	// remoteFrameDir is the frame spool on the peer, relative to the
	// login user's home directory. Frames land here via temp+rename
	// and are deleted once the peer's own bridge consumes them.
	remoteFrameDir = ".mailroom/bridge/frames"
)

// sshTransport exchanges frames with a peer daemon through a remote
// spool directory reached over an SSH session. Send writes one frame
// file per envelope; a poll loop lists, reads, and deletes frames the
// peer left for us.
type sshTransport struct {
	client   *ssh.Client
	frameDir string
	clk      clock.Clock
	log      *slog.Logger

	mu       sync.Mutex
	incoming chan Envelope
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

func newSSHTransport(cfg config.BridgeConfig, clk clock.Clock, logger *slog.Logger) (*sshTransport, error) {
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, &TransportError{Kind: ErrorAuth, Msg: "reading private key", Err: err}
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, &TransportError{Kind: ErrorAuth, Msg: "parsing private key", Err: err}
	}
	hostKeys, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, &TransportError{Kind: ErrorAuth, Msg: "loading known hosts", Err: err}
	}

	addr := cfg.RemoteAddr
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            cfg.RemoteUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         sshDialTimeout,
	})
	if err != nil {
		return nil, &TransportError{Kind: ErrorConnection, Msg: "dialing " + addr, Err: err}
	}

	t := &sshTransport{
		client:   client,
		frameDir: remoteFrameDir,
		clk:      clk,
		log:      logger,
		incoming: make(chan Envelope, memoryQueueDepth),
	}
	if err := t.run("mkdir -p " + shellQuote(t.frameDir)); err != nil {
		client.Close()
		return nil, &TransportError{Kind: ErrorConnection, Msg: "creating remote frame directory", Err: err}
	}
	return t, nil
}

func (t *sshTransport) logger() *slog.Logger {
	if t.log != nil {
		return t.log
	}
	return slog.Default()
}

func (t *sshTransport) Send(ctx context.Context, envelope Envelope) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Kind: ErrorConnection, Msg: "send cancelled", Err: err}
	}
	frame, err := envelope.Encode()
	if err != nil {
		return &TransportError{Kind: ErrorProtocol, Msg: "encoding frame", Err: err}
	}

	// Frame names embed a content hash, so the same envelope sent
	// twice overwrites rather than duplicates.
	name := fmt.Sprintf("%d-%s.frame", t.clk.Now().UnixNano(), hash.Content(frame)[:12])
	finalPath := path.Join(t.frameDir, name)
	tmpPath := path.Join(t.frameDir, "."+name+".tmp")

	session, err := t.client.NewSession()
	if err != nil {
		return &TransportError{Kind: ErrorConnection, Msg: "opening session", Err: err}
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(frame)
	command := fmt.Sprintf("cat > %s && mv %s %s",
		shellQuote(tmpPath), shellQuote(tmpPath), shellQuote(finalPath))
	if err := session.Run(command); err != nil {
		return &TransportError{Kind: ErrorProtocol, Msg: "writing remote frame", Err: err}
	}
	return nil
}

// Receive starts the remote poll loop on first call and returns the
// inbound channel. The loop runs until Close; the passed context only
// gates the first call.
func (t *sshTransport) Receive(ctx context.Context) (<-chan Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, &TransportError{Kind: ErrorConnection, Msg: "transport closed"}
	}
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Kind: ErrorConnection, Msg: "receive cancelled", Err: err}
	}
	if t.cancel == nil {
		loopCtx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.done = make(chan struct{})
		go t.pollLoop(loopCtx)
	}
	return t.incoming, nil
}

func (t *sshTransport) pollLoop(ctx context.Context) {
	defer close(t.done)
	ticker := t.clk.NewTicker(sshPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll()
		}
	}
}

// poll drains the remote frame directory into the inbound channel.
// Frames are deleted only after a successful handoff; a full channel
// leaves the remainder for the next tick.
func (t *sshTransport) poll() {
	listing, err := t.output("ls -1 " + shellQuote(t.frameDir))
	if err != nil {
		t.logger().Warn("listing remote frames", "error", err)
		return
	}
	for _, name := range strings.Split(strings.TrimSpace(string(listing)), "\n") {
		if !strings.HasSuffix(name, ".frame") {
			continue
		}
		framePath := path.Join(t.frameDir, name)
		frame, err := t.output("cat " + shellQuote(framePath))
		if err != nil {
			t.logger().Warn("reading remote frame", "frame", name, "error", err)
			continue
		}
		envelope, err := DecodeEnvelope(frame)
		if err != nil {
			// A frame that never parses would wedge the spool.
			t.logger().Warn("discarding malformed remote frame", "frame", name, "error", err)
			t.remove(framePath)
			continue
		}
		select {
		case t.incoming <- envelope:
			t.remove(framePath)
		default:
			return
		}
	}
}

func (t *sshTransport) remove(framePath string) {
	if err := t.run("rm -f " + shellQuote(framePath)); err != nil {
		t.logger().Warn("removing remote frame", "frame", framePath, "error", err)
	}
}

func (t *sshTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	close(t.incoming)
	return t.client.Close()
}

func (t *sshTransport) run(command string) error {
	session, err := t.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run(command)
}

func (t *sshTransport) output(command string) ([]byte, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return session.Output(command)
}

// shellQuote single-quotes s for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
