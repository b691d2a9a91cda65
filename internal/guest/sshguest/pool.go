// Package sshguest is the SSH transport shared by backends that reach their
// guests over the network.
package sshguest

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/stevehiehn/tmtgo/internal/guest"
)

// Endpoint is where and as whom to connect.
type Endpoint struct {
	Address  string
	Port     int
	User     string
	Key      string
	Password string
}

// FromHandle reads the endpoint of a started guest.
func FromHandle(h guest.Handle) Endpoint {
	e := Endpoint{Address: h.Address, Port: h.Port, User: h.User, Key: h.Key}
	if h.Data != nil {
		e.Password = h.Data["password"]
	}
	return e
}

func (e Endpoint) host() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Address, strconv.Itoa(port))
}

func (e Endpoint) key() string {
	return e.User + "@" + e.host()
}

// Pool is a pool of SSH clients to reuse, keyed by user and host.
//
// Get returns a pooled client if a keepalive probe succeeds, or dials a new
// one. Clients go back with Put and are closed by the pool when bad.
type Pool struct {
	// HostKeyCallback defaults to accepting any key; guests are created and
	// thrown away by the run.
	HostKeyCallback ssh.HostKeyCallback
	DialTimeout     time.Duration
	RetryInterval   time.Duration

	logger *zap.Logger
	mu     sync.Mutex
	pool   map[string][]*ssh.Client
	wg     sync.WaitGroup
}

func NewPool(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		DialTimeout:     10 * time.Second,
		RetryInterval:   2 * time.Second,
		logger:          logger,
		pool:            make(map[string][]*ssh.Client),
	}
}

func (p *Pool) config(e Endpoint) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if e.Key != "" {
		path, err := homedir.Expand(e.Key)
		if err != nil {
			return nil, err
		}
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", path, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if e.Password != "" {
		auth = append(auth, ssh.Password(e.Password))
	}
	user := e.User
	if user == "" {
		user = "root"
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: p.HostKeyCallback,
		Timeout:         p.DialTimeout,
	}, nil
}

// Get returns a good SSH client.
func (p *Pool) Get(ctx context.Context, e Endpoint) (*ssh.Client, error) {
	key := e.key()
	p.mu.Lock()
	for n := len(p.pool[key]) - 1; n >= 0; n-- {
		c := p.pool[key][n]
		p.pool[key] = p.pool[key][:n]
		if !verifyClientIsAlive(c) {
			p.logger.Debug("pooled ssh client is bad, closing", zap.String("host", key))
			p.closeClient(c)
			continue
		}
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	p.logger.Debug("dialing ssh client", zap.String("host", key))
	config, err := p.config(e)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: p.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", e.host())
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, e.host(), config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// verifyClientIsAlive probes the connection with a keepalive request and a
// throwaway session.
func verifyClientIsAlive(c *ssh.Client) bool {
	if _, _, err := c.SendRequest("keepalive@openssh.org", true, nil); err != nil {
		return false
	}
	s, err := c.NewSession()
	if err != nil {
		return false
	}
	s.Close()
	return true
}

// GetContext retries Get until it succeeds or ctx is done.
func (p *Pool) GetContext(ctx context.Context, e Endpoint) (*ssh.Client, error) {
	var lastErr error
	for {
		c, err := p.Get(ctx, e)
		if err == nil {
			return c, nil
		}
		lastErr = err
		p.logger.Debug("retrying ssh connection", zap.String("host", e.key()), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connecting to %s: %w (last error: %v)", e.host(), ctx.Err(), lastErr)
		case <-time.After(p.RetryInterval):
		}
	}
}

// Put puts the client back in the pool if it is good.
// Otherwise, the Client is closed.
func (p *Pool) Put(e Endpoint, c *ssh.Client) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := c.NewSession()
	if err != nil {
		p.closeClient(c)
		return
	}
	s.Close()
	p.pool[e.key()] = append(p.pool[e.key()], c)
}

// Drop closes every pooled client of e, e.g. after a reboot.
func (p *Pool) Drop(e Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.pool[e.key()] {
		p.closeClient(c)
	}
	delete(p.pool, e.key())
}

// Close closes all SSH clients in the Pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	for key, cs := range p.pool {
		for _, c := range cs {
			p.closeClient(c)
		}
		delete(p.pool, key)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

// closeClient closes c in the background; it may already be closed if the
// guest went away.
func (p *Pool) closeClient(c *ssh.Client) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = c.Close()
	}()
}
