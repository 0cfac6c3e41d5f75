package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHTarget identifies a remote host and the credentials to reach it
type SSHTarget struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	// HostKey is an authorized_keys line. Empty skips host verification.
	HostKey string
}

// SSHClient pulls remote files over an SSH session
type SSHClient struct {
	dialTimeout time.Duration
}

func NewSSHClient(dialTimeout time.Duration) *SSHClient {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &SSHClient{dialTimeout: dialTimeout}
}

func (c *SSHClient) clientConfig(t SSHTarget) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if t.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(t.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		auth = append(auth, ssh.Password(t.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no SSH credentials for %s", t.Host)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if t.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(t.HostKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		hostKeyCallback = ssh.FixedHostKey(key)
	}

	return &ssh.ClientConfig{
		User:            t.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.dialTimeout,
	}, nil
}

// Fetch streams remotePath into w and returns the number of bytes copied.
// onSize is called with the remote file size before streaming, -1 if the
// size could not be determined.
func (c *SSHClient) Fetch(ctx context.Context, t SSHTarget, remotePath string, w io.Writer, onSize func(int64)) (int64, error) {
	cfg, err := c.clientConfig(t)
	if err != nil {
		return 0, err
	}
	port := t.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return 0, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	// Tear the connection down if the job is cancelled mid-transfer.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if onSize != nil {
		onSize(c.remoteSize(client, remotePath))
	}

	session, err := client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return 0, err
	}
	if err := session.Start("cat -- " + shellQuote(remotePath)); err != nil {
		return 0, fmt.Errorf("failed to start remote read: %w", err)
	}
	n, copyErr := io.Copy(w, stdout)
	waitErr := session.Wait()
	if ctx.Err() != nil {
		return n, ctx.Err()
	}
	if copyErr != nil {
		return n, fmt.Errorf("failed to stream %s: %w", remotePath, copyErr)
	}
	if waitErr != nil {
		return n, fmt.Errorf("remote read of %s failed: %w", remotePath, waitErr)
	}
	return n, nil
}

func (c *SSHClient) remoteSize(client *ssh.Client, remotePath string) int64 {
	session, err := client.NewSession()
	if err != nil {
		return -1
	}
	defer session.Close()
	out, err := session.Output("wc -c < " + shellQuote(remotePath))
	if err != nil {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// shellQuote wraps s in single quotes for the remote shell
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
