package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/job"
	"github.com/ohsu-comp-bio/molq/logger"
	"github.com/ohsu-comp-bio/molq/util/fsutil"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSH runs commands on a remote host. It keeps one client connection and
// opens a new session per command. Commands are serialized.
type SSH struct {
	addr   string
	conf   config.Remote
	client *ssh.ClientConfig
	log    *logger.Logger

	mtx       sync.Mutex
	conn      *ssh.Client
	agentConn net.Conn
}

// NewSSH configures an SSH runner. The connection is made lazily on the
// first command.
func NewSSH(conf config.Remote, log *logger.Logger) (*SSH, error) {
	s := &SSH{
		addr: conf.Address(),
		conf: conf,
		log:  log.WithFields("host", conf.Host),
	}

	auths, err := s.authMethods()
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(conf)
	if err != nil {
		return nil, err
	}

	user := conf.User
	if user == "" {
		user = os.Getenv("USER")
	}
	s.client = &ssh.ClientConfig{
		User:            user,
		Auth:            auths,
		HostKeyCallback: hostKey,
		Timeout:         conf.DialTimeout.D(),
	}
	return s, nil
}

func (s *SSH) authMethods() ([]ssh.AuthMethod, error) {
	var auths []ssh.AuthMethod

	if s.conf.KeyFile != "" {
		key, err := os.ReadFile(expandHome(s.conf.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		var signer ssh.Signer
		if s.conf.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(s.conf.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", s.conf.KeyFile, err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}

	if s.conf.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				s.log.Warn("cannot reach ssh agent", "socket", sock, "error", err)
			} else {
				s.agentConn = conn
				auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	if s.conf.Password != "" {
		auths = append(auths, ssh.Password(s.conf.Password))
	}

	if len(auths) == 0 {
		return nil, fmt.Errorf("no ssh authentication method configured for %s", s.conf.Host)
	}
	return auths, nil
}

func hostKeyCallback(conf config.Remote) (ssh.HostKeyCallback, error) {
	if conf.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := conf.KnownHosts
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("loading known hosts: %w", err)
	}
	return cb, nil
}

func expandHome(p string) string {
	if p == "~" || len(p) > 1 && p[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

// connect returns the live client, dialing if needed. Callers hold mtx.
func (s *SSH) connect() (*ssh.Client, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	s.log.Debug("dialing", "addr", s.addr)
	conn, err := ssh.Dial("tcp", s.addr, s.client)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

// reset drops a broken client so the next command redials. Callers hold mtx.
func (s *SSH) reset() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Run runs cmd in a new session, feeding it stdin if not nil.
func (s *SSH) Run(ctx context.Context, cmd string, stdin io.Reader) (*Output, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if timeout := s.conf.CommandTimeout.D(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, &job.ConnectionError{Host: s.conf.Host, Err: err}
	}

	conn, err := s.connect()
	if err != nil {
		return nil, &job.ConnectionError{Host: s.conf.Host, Err: err}
	}
	sess, err := conn.NewSession()
	if err != nil {
		s.reset()
		return nil, &job.ConnectionError{Host: s.conf.Host, Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = fsutil.Reader(ctx, stdin)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Close()
		<-done
		return nil, &job.ConnectionError{Host: s.conf.Host, Err: ctx.Err()}

	case err = <-done:
	}

	out := &Output{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out.ExitStatus = exitErr.ExitStatus()
	default:
		// Includes *ssh.ExitMissingError: the connection dropped mid command.
		s.reset()
		return nil, &job.ConnectionError{Host: s.conf.Host, Err: err}
	}
	return out, nil
}

// Close closes the connection and the agent socket.
func (s *SSH) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	if s.agentConn != nil {
		s.agentConn.Close()
		s.agentConn = nil
	}
	return err
}
