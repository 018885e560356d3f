package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client implements Runner over a single lazily dialled connection. A dead
// connection is re-dialled on the next call.
type Client struct {
	config *Config

	connMu      sync.Mutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
	stopKeep    chan struct{}
}

var _ Runner = (*Client)(nil)

// NewClient creates a client. No connection is made until first use.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// connect returns a live connection, dialling if necessary.
func (c *Client) connect(ctx context.Context) (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return c.client, nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return nil, err
	}

	c.connectedAt = time.Now()
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return c.client, nil
}

func (c *Client) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	client, err := dial(ctx, address, clientConfig)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: !isAuthFailure(err), IsAuthError: isAuthFailure(err)}
	}
	c.client = client

	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

func (c *Client) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig, err := c.config.clientConfig(c.config.ProxyUser)
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsAuthError: true}
	}

	log.Debug().Str("proxy", c.config.ProxyAddress()).Msg("connecting to proxy host")
	proxyClient, err := dial(ctx, c.config.ProxyAddress(), proxyConfig)
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: !isAuthFailure(err), IsAuthError: isAuthFailure(err)}
	}

	targetAddress := c.config.Address()
	proxyConn, err := proxyClient.Dial("tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: !isAuthFailure(err), IsAuthError: isAuthFailure(err)}
	}

	c.proxy = proxyClient
	c.client = ssh.NewClient(ncc, chans, reqs)

	log.Info().Str("target", targetAddress).Str("proxy", c.config.ProxyAddress()).Msg("SSH connection established via proxy")
	return nil
}

// dial honours ctx while the handshake is in progress.
func dial(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, config)
		done <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		return r.client, r.err
	}
}

func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// Run implements Runner.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	start := time.Now()

	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		c.drop()
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-done:
	}

	result := &ExecResult{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		msg := result.Stderr
		if msg == "" {
			msg = result.Stdout
		}
		return result, &TransportError{
			Op:       "exec",
			Err:      fmt.Errorf("command exited with code %d: %s", result.ExitCode, msg),
			ExitCode: result.ExitCode,
		}
	}

	result.ExitCode = -1
	if errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
		return result, execErr
	}
	return result, &TransportError{Op: "exec", Err: execErr, IsTemporary: true}
}

// WriteFile implements Runner. Data is written to a temporary sibling and
// renamed into place.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{Op: "sftp", Err: fmt.Errorf("failed to start sftp: %w", err), IsTemporary: true}
	}
	defer sc.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "sftp", Err: fmt.Errorf("failed to create directory: %w", err)}
	}

	tmp := path.Join(path.Dir(remotePath), "."+path.Base(remotePath)+"."+uuid.NewString()[:8]+".tmp")
	f, err := sc.Create(tmp)
	if err != nil {
		return &TransportError{Op: "sftp", Err: fmt.Errorf("failed to create %s: %w", tmp, err), IsTemporary: true}
	}

	if _, err := copyWithContext(ctx, f, bytes.NewReader(data)); err != nil {
		_ = f.Close()
		_ = sc.Remove(tmp)
		return &TransportError{Op: "sftp", Err: fmt.Errorf("failed to write %s: %w", tmp, err), IsTemporary: true}
	}
	if err := f.Chmod(mode); err != nil {
		log.Warn().Err(err).Str("path", tmp).Msg("failed to set file mode")
	}
	if err := f.Close(); err != nil {
		_ = sc.Remove(tmp)
		return &TransportError{Op: "sftp", Err: fmt.Errorf("failed to close %s: %w", tmp, err), IsTemporary: true}
	}

	if err := sc.PosixRename(tmp, remotePath); err != nil {
		_ = sc.Remove(tmp)
		return &TransportError{Op: "sftp", Err: fmt.Errorf("failed to rename into %s: %w", remotePath, err), IsTemporary: true}
	}
	return nil
}

// copyWithContext copies in chunks so a cancelled context stops the transfer.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// HealthCheck implements Runner.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Run(ctx, "true")
	return err
}

// ConnectedAt reports when the current connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connectedAt
}

// Close implements Runner.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.closeLocked()
}

func (c *Client) drop() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	_ = c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	var err error
	if c.client != nil {
		log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
		err = c.client.Close()
		c.client = nil
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// keepAlive pings the server until stopped. After MaxKeepAliveRetries
// consecutive failures the connection is closed.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, dropping connection")
				_ = client.Close()
				return
			}
			continue
		}
		retries = 0
	}
}
