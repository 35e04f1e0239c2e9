// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/u-root/whisper/ds"
	"github.com/u-root/whisper/keys"
	"github.com/u-root/whisper/protocol"
	"github.com/u-root/whisper/transport"
	"golang.org/x/crypto/ssh"
)

const (
	defaultTimeOut     = 30 * time.Second
	defaultDialTimeOut = 10 * time.Second
)

var (
	// ErrNotDialed is returned by requests before Dial.
	ErrNotDialed = errors.New("client is not connected")
	// ErrHostKey is returned by Dial when the server's key is not the
	// expected one.
	ErrHostKey = errors.New("server key mismatch")
	// ErrUnexpectedReply is returned for a reply of the wrong type.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// Client is a whisper client.
// As in exec.Command, its controls are exposed and can be set
// directly, or with SetOptions.
type Client struct {
	// Host is the host as given, a name, an address, or a dnssd: URI.
	Host string
	// HostName as found in .ssh/config; set to Host if not found
	HostName string
	// Port is the server port, or the socket path for unix.
	Port string
	// Network is tcp, unix or vsock.
	Network string
	// PrivateKeyFile is the client's key. If empty, .ssh/config or
	// DefaultKeyFile is used.
	PrivateKeyFile string
	// DisablePrivateKey makes the client use a throwaway key.
	DisablePrivateKey bool
	// HostKeyFile holds the server's public key. If empty, any server
	// key is accepted.
	HostKeyFile string
	// Name is sent to the server in Connect.
	Name string
	// Timeout bounds each handshake, login, shell and echo request.
	// Execute is bounded only by its context, since commands may run
	// for any length of time. Zero means no bound beyond the caller's
	// context.
	Timeout time.Duration
	// DialTimeout bounds how long Dial retries.
	DialTimeout time.Duration
	// Compress enables LZ4 compression of stdin chunks.
	Compress bool
	// MaxBuffered bounds the stdout and stderr buffers. Zero is
	// unbounded.
	MaxBuffered int

	key       *keys.KeyPair
	hostKey   ssh.PublicKey
	s         *transport.Session
	serverKey ssh.PublicKey
	id        uuid.UUID
	binding   []byte
	token     []byte
}

// Set is an option for a Client.
type Set func(*Client) error

// New returns a Client for host. Nothing happens on the network until
// Dial.
func New(host string) *Client {
	return &Client{
		Host:        host,
		HostName:    GetHostName(host),
		Network:     "tcp",
		Timeout:     defaultTimeOut,
		DialTimeout: defaultDialTimeOut,
	}
}

// SetOptions applies opts in order.
func (c *Client) SetOptions(opts ...Set) error {
	for _, o := range opts {
		if err := o(c); err != nil {
			return err
		}
	}
	return nil
}

// WithPort sets the port.
func WithPort(port string) Set {
	return func(c *Client) error {
		c.Port = port
		return nil
	}
}

// WithNetwork sets the network: tcp, unix or vsock.
func WithNetwork(network string) Set {
	return func(c *Client) error {
		switch network {
		case "tcp", "tcp4", "tcp6", "unix", "vsock":
		default:
			return fmt.Errorf("network %q: must be tcp, unix or vsock", network)
		}
		c.Network = network
		return nil
	}
}

// WithPrivateKeyFile sets the client key file.
func WithPrivateKeyFile(key string) Set {
	return func(c *Client) error {
		c.PrivateKeyFile = key
		return nil
	}
}

// WithDisablePrivateKey makes the client use a throwaway key.
func WithDisablePrivateKey(disable bool) Set {
	return func(c *Client) error {
		c.DisablePrivateKey = disable
		return nil
	}
}

// WithKey sets the client key pair.
func WithKey(k *keys.KeyPair) Set {
	return func(c *Client) error {
		c.key = k
		return nil
	}
}

// WithHostKeyFile sets the file holding the expected server key.
func WithHostKeyFile(key string) Set {
	return func(c *Client) error {
		c.HostKeyFile = key
		return nil
	}
}

// WithHostKey sets the expected server key.
func WithHostKey(k ssh.PublicKey) Set {
	return func(c *Client) error {
		c.hostKey = k
		return nil
	}
}

// WithName sets the name sent in Connect.
func WithName(name string) Set {
	return func(c *Client) error {
		c.Name = name
		return nil
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Set {
	return func(c *Client) error {
		c.Timeout = d
		return nil
	}
}

// WithDialTimeout sets how long Dial retries.
func WithDialTimeout(d time.Duration) Set {
	return func(c *Client) error {
		c.DialTimeout = d
		return nil
	}
}

// WithCompression enables LZ4 compression of stdin chunks.
func WithCompression(compress bool) Set {
	return func(c *Client) error {
		c.Compress = compress
		return nil
	}
}

// Dial connects to the server and runs the key exchange.
// Connection failures are retried with exponential backoff for up to
// DialTimeout.
func (c *Client) Dial(ctx context.Context) error {
	if err := c.keyConfig(); err != nil {
		return err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	return c.DialConn(ctx, conn)
}

func (c *Client) address(ctx context.Context) (string, string, error) {
	if strings.HasPrefix(c.Host, ds.DsDefault) {
		q, err := ds.Parse(c.Host)
		if err != nil {
			return "", "", err
		}
		return ds.Lookup(ctx, q)
	}
	if c.Network == "unix" {
		// The port is the socket path.
		return "", c.Port, nil
	}
	if c.Network == "vsock" {
		return c.HostName, c.Port, nil
	}
	p, err := GetPort(c.Host, c.Port)
	return c.HostName, p, err
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	host, port, err := c.address(ctx)
	if err != nil {
		return nil, err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.DialTimeout

	var (
		conn net.Conn
		d    net.Dialer
	)
	f := func() error {
		var (
			addr string
			err  error
		)
		switch c.Network {
		case "vsock":
			conn, addr, err = vsockDial(host, port)
			if errors.Is(err, strconv.ErrSyntax) {
				return backoff.Permanent(err)
			}
		case "unix":
			// net.JoinHostPort really ought to work for UDS, but it's very naive.
			addr = port
			conn, err = d.DialContext(ctx, c.Network, addr)
		default:
			addr = net.JoinHostPort(host, port)
			conn, err = d.DialContext(ctx, c.Network, addr)
		}
		verbose("dial(%s, %s): %v", c.Network, addr, err)
		return err
	}
	if err := backoff.Retry(f, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.Host, err)
	}
	return conn, nil
}

// DialConn runs the key exchange on conn, which the client owns from
// now on.
func (c *Client) DialConn(ctx context.Context, conn net.Conn) error {
	if c.s != nil {
		conn.Close()
		return errors.New("client is already connected")
	}
	if err := c.keyConfig(); err != nil {
		conn.Close()
		return err
	}
	if err := c.hostKeyConfig(); err != nil {
		conn.Close()
		return err
	}
	s := transport.New(conn, transport.Config{
		Phase:       transport.Connecting,
		Compress:    c.Compress,
		MaxBuffered: c.MaxBuffered,
	})
	m := &protocol.Connect{PublicKey: c.key.Marshal()}
	if c.Name != "" {
		m.Name = &c.Name
	}
	if err := s.SetPhase(transport.Handshaking); err != nil {
		s.Close()
		return err
	}
	r, err := c.request(ctx, s, m)
	if err != nil {
		s.Close()
		return err
	}
	cr, ok := r.(*protocol.ConnectResult)
	if !ok {
		s.Close()
		return fmt.Errorf("%w: %v", ErrUnexpectedReply, r.Type())
	}
	pk, err := keys.ParsePublicKey(cr.PublicKey)
	if err != nil {
		s.Close()
		return fmt.Errorf("server key: %w", err)
	}
	if c.hostKey != nil && !keys.Equal(c.hostKey, pk) {
		s.Close()
		return fmt.Errorf("%w: got %s, want %s", ErrHostKey, keys.Fingerprint(pk), keys.Fingerprint(c.hostKey))
	}
	verbose("server key %s, client id %v", keys.Fingerprint(pk), cr.ClientID)
	if len(cr.Nonce) != protocol.NonceLen {
		s.Close()
		return fmt.Errorf("%w: nonce of %d bytes", ErrUnexpectedReply, len(cr.Nonce))
	}
	c.s, c.serverKey, c.id, c.binding = s, pk, cr.ClientID, cr.Binding()
	s.UpdatePeer(func(p *transport.Peer) {
		p.Key, p.ClientID = pk, cr.ClientID
	})
	return nil
}

func (c *Client) request(ctx context.Context, s *transport.Session, m protocol.Message) (protocol.Message, error) {
	if s == nil {
		return nil, ErrNotDialed
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return s.Request(ctx, m)
}

// AuthError is returned by Login when the server refuses the user.
// The connection stays open, so the caller may retry.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "login failed: " + e.Reason
}

// Login logs in as user. The user and password are sealed to the
// server's key together with this connection's handshake binding,
// which the client also signs to prove it holds its key.
func (c *Client) Login(ctx context.Context, user, password string) error {
	if c.s == nil {
		return ErrNotDialed
	}
	m, err := protocol.NewLogin(c.binding, user, password, keys.Sealer(c.serverKey), c.key.Sign)
	if err != nil {
		return err
	}
	r, err := c.request(ctx, c.s, m)
	if err != nil {
		return err
	}
	switch r := r.(type) {
	case *protocol.LoginSuccess:
		c.token = r.Token
		c.s.UpdatePeer(func(p *transport.Peer) {
			p.User, p.Token = user, r.Token
		})
		return c.s.SetPhase(transport.Authenticated)
	case *protocol.LoginFailure:
		return &AuthError{Reason: r.Reason}
	}
	return fmt.Errorf("%w: %v", ErrUnexpectedReply, r.Type())
}

// OpenShell opens a shell for Execute. Stdin, Stdout and Stderr return
// the new shell's streams.
func (c *Client) OpenShell(ctx context.Context) error {
	return c.openShell(ctx, &protocol.OpenShell{})
}

// OpenPty opens an interactive shell on a pty of rows by cols with
// terminal type term. Its input is Stdin, and its output Stdout.
func (c *Client) OpenPty(ctx context.Context, term string, rows, cols uint16) error {
	return c.openShell(ctx, &protocol.OpenShell{Term: &term, Rows: rows, Cols: cols})
}

func (c *Client) openShell(ctx context.Context, m *protocol.OpenShell) error {
	if c.s == nil {
		return ErrNotDialed
	}
	c.s.ResetStreams()
	r, err := c.request(ctx, c.s, m)
	if err != nil {
		return err
	}
	if _, ok := r.(*protocol.OpenShellResult); !ok {
		return fmt.Errorf("%w: %v", ErrUnexpectedReply, r.Type())
	}
	return c.s.SetPhase(transport.ShellOpen)
}

// CloseShell closes the shell. The server finishes the running
// command first.
func (c *Client) CloseShell(ctx context.Context) error {
	if c.s == nil {
		return ErrNotDialed
	}
	r, err := c.request(ctx, c.s, &protocol.CloseShell{})
	if err != nil {
		return err
	}
	if _, ok := r.(*protocol.CloseShellResult); !ok {
		return fmt.Errorf("%w: %v", ErrUnexpectedReply, r.Type())
	}
	if err := c.s.Output(protocol.Stdin).Close(); err != nil {
		return err
	}
	return c.s.SetPhase(transport.ShellClosed)
}

// Outcome is how a command ended: Value, Exit or Abort.
type Outcome interface {
	outcome()
}

// Value is the value of a command that completed.
type Value struct {
	V any
}

// Exit means the command asked the shell to exit.
type Exit struct {
	Code    int
	Message string
}

// Abort means the command was interrupted.
type Abort struct {
	Message string
}

func (Value) outcome() {}
func (Exit) outcome()  {}
func (Abort) outcome() {}

// Failure is returned when a command fails. Stage is the failing
// pipeline stage, or -1.
type Failure struct {
	Reason string
	Stage  int
}

func (e *Failure) Error() string {
	if e.Stage < 0 {
		return e.Reason
	}
	return fmt.Sprintf("stage %d: %s", e.Stage, e.Reason)
}

// Execute runs a command in the shell and waits for its outcome, for
// as long as ctx allows; Timeout does not apply. A command that fails
// returns a *Failure.
func (c *Client) Execute(ctx context.Context, m *protocol.Execute) (Outcome, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if c.s == nil {
		return nil, ErrNotDialed
	}
	r, err := c.s.Request(ctx, m)
	if err != nil {
		return nil, err
	}
	switch r := r.(type) {
	case *protocol.ExecuteResult:
		return Value{V: r.Value}, nil
	case *protocol.ExecuteNotification:
		if r.Kind == protocol.NotifyExit {
			return Exit{Code: int(r.Code), Message: r.Message}, nil
		}
		return Abort{Message: r.Message}, nil
	case *protocol.ExecuteFailure:
		return nil, &Failure{Reason: r.Reason, Stage: int(r.Stage)}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnexpectedReply, r.Type())
}

// ExecuteLine runs a command line.
func (c *Client) ExecuteLine(ctx context.Context, line string) (Outcome, error) {
	return c.Execute(ctx, protocol.ExecuteLine(line))
}

// ExecuteArgs runs a command given as words.
func (c *Client) ExecuteArgs(ctx context.Context, args ...string) (Outcome, error) {
	return c.Execute(ctx, protocol.ExecuteArgs(args...))
}

// ExecutePath runs the builtin at path.
func (c *Client) ExecutePath(ctx context.Context, path string, args ...string) (Outcome, error) {
	return c.Execute(ctx, protocol.ExecutePath(path, args...))
}

// ExecutePipeline runs commands connected by pipes.
func (c *Client) ExecutePipeline(ctx context.Context, stages ...[]string) (Outcome, error) {
	return c.Execute(ctx, protocol.ExecutePipeline(stages...))
}

// Echo sends text to the server, which sends it back.
func (c *Client) Echo(ctx context.Context, text string) (string, error) {
	r, err := c.request(ctx, c.s, &protocol.Echo{Text: text})
	if err != nil {
		return "", err
	}
	e, ok := r.(*protocol.EchoResult)
	if !ok {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedReply, r.Type())
	}
	return e.Text, nil
}

// Resize tells the server the terminal's new size.
func (c *Client) Resize(rows, cols uint16) error {
	if c.s == nil {
		return ErrNotDialed
	}
	return c.s.Send(&protocol.Resize{Rows: rows, Cols: cols})
}

// notDialed is the stream returned before Dial.
type notDialed struct{}

func (notDialed) Read([]byte) (int, error)  { return 0, ErrNotDialed }
func (notDialed) Write([]byte) (int, error) { return 0, ErrNotDialed }
func (notDialed) Close() error              { return ErrNotDialed }

// Stdin returns the current shell's standard input. Before Dial, its
// methods fail with ErrNotDialed.
func (c *Client) Stdin() io.WriteCloser {
	if c.s == nil {
		return notDialed{}
	}
	return c.s.Output(protocol.Stdin)
}

// Stdout returns the current shell's standard output. Before Dial,
// reads fail with ErrNotDialed.
func (c *Client) Stdout() io.Reader {
	if c.s == nil {
		return notDialed{}
	}
	return c.s.Input(protocol.Stdout)
}

// Stderr returns the current shell's standard error. Before Dial,
// reads fail with ErrNotDialed.
func (c *Client) Stderr() io.Reader {
	if c.s == nil {
		return notDialed{}
	}
	return c.s.Input(protocol.Stderr)
}

// Session returns the client's session, or nil before Dial.
func (c *Client) Session() *transport.Session {
	return c.s
}

// ClientID returns the id the server assigned.
func (c *Client) ClientID() uuid.UUID {
	return c.id
}

// Token returns the login token.
func (c *Client) Token() []byte {
	return c.token
}

// ServerKey returns the server's public key.
func (c *Client) ServerKey() ssh.PublicKey {
	return c.serverKey
}

// Close ends a whisper session, doing whatever is needed.
func (c *Client) Close() error {
	if c.s == nil {
		return nil
	}
	var err error
	if c.s.Phase() == transport.ShellOpen {
		if e := c.s.Output(protocol.Stdin).Close(); e != nil && !errors.Is(e, transport.ErrSessionClosed) {
			err = multierror.Append(err, e)
		}
	}
	if e := c.s.Close(); e != nil {
		err = multierror.Append(err, e)
	}
	return err
}
