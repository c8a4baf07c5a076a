/*
   Copyright (c) 2020, btnmasher
   All rights reserved.

   Redistribution and use in source and binary forms, with or without modification, are permitted provided that
   the following conditions are met:

   1. Redistributions of source code must retain the above copyright notice, this list of conditions and the
      following disclaimer.

   2. Redistributions in binary form must reproduce the above copyright notice, this list of conditions and
      the following disclaimer in the documentation and/or other materials provided with the distribution.

   3. Neither the name of the copyright holder nor the names of its contributors may be used to endorse or
      promote products derived from this software without specific prior written permission.

   THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED
   WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A
   PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE FOR
   ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED
   TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION)
   HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
   NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
   POSSIBILITY OF SUCH DAMAGE.
*/

package dircd

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/antonfisher/nested-logrus-formatter"
	"github.com/btnmasher/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/btnmasher/dircd/journal"
)

// KeepAliveTimeout sets the connection timeout duration on the client IRC connections.
const KeepAliveTimeout time.Duration = 2 * time.Minute

// WriteTimeout sets the write timeout duration on the client IRC connections.
const WriteTimeout time.Duration = 5 * time.Second

// PingTimeout sets the PING/PONG timeout duration on the client IRC connections.
const PingTimeout time.Duration = 30 * time.Second

// MessagePoolMax sets the message pool buffer length
const MessagePoolMax = 1000

// BufferPoolMax sets the bytes.Buffer pool length
const BufferPoolMax = 1000

// WriteQueueLength sets the length of each connections write queue channel.
const WriteQueueLength = 10

// msgPool holds a reference to the global Message object pool.
var msgPool = NewMessagePool(MessagePoolMax)

// bufPool holds a reference to the global bytes.Buffer object pool.
var bufPool = util.NewBufferPool(BufferPoolMax)

var log *logrus.Logger

// Server holds the state of an IRC server instance (§3 Session, plus
// this node's federation and persistence wiring).
type Server struct {
	sync.RWMutex

	// Configuration related stuff
	listenAddr string
	hostname   string
	motd       string
	welcome    string
	support    *util.ConcurrentMapString

	// Active local state (§3 Session: clients, sockets, channels).
	Users     *UserMap // keyed by username
	Nicks     *UserMap // keyed by nickname
	Conns     *ConnMap // keyed by remote address ("sockets")
	Channels  *ChanMap
	TLSConfig *tls.Config

	// Federation (§3 Server node, Network view).
	Node    *ServerNode
	Network *Network
	Peers   *ConnMap // established server-to-server links, keyed by peer name

	// Persistence (§3: journal sender for persistence records).
	Journal journal.Sender

	Router *Router

	Registry *prometheus.Registry
	Metrics  *serverMetrics

	// OperCredentials maps an OPER username to its bcrypt password
	// hash (§4.2: Operator status is granted only by OPER, never MODE).
	OperCredentials map[string]string

	listener net.Listener

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	shutdownWait   time.Duration
	conns          *conc.WaitGroup
	closing        bool
}

type serverMetrics struct {
	ConnectionsTotal prometheus.Counter
	ClientsGauge     prometheus.Gauge
	ChannelsGauge    prometheus.Gauge
	CommandsTotal    *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promAutoFactory(reg)

	return &serverMetrics{
		ConnectionsTotal: factory.connectionsTotal(),
		ClientsGauge:     factory.clientsGauge(),
		ChannelsGauge:    factory.channelsGauge(),
		CommandsTotal:    factory.commandsTotal(),
	}
}

// Option configures a Server during construction.
type Option func(*Server) error

// WithHostname sets the server's advertised hostname.
func WithHostname(hostname string) Option {
	return func(s *Server) error {
		s.hostname = hostname
		return nil
	}
}

// WithNetwork sets the configured network name, advertised in ISupport
// and SERVER federation handshakes.
func WithNetwork(network string) Option {
	return func(s *Server) error {
		return s.support.Add("network", network)
	}
}

// WithListenAddr sets the TCP address ListenAndServe binds to.
func WithListenAddr(addr string) Option {
	return func(s *Server) error {
		s.listenAddr = addr
		return nil
	}
}

// WithLogger assigns the package-wide logger used by the server and
// all its connections.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return fmt.Errorf("irc: WithLogger requires a non-nil logger")
		}
		log = logger
		return nil
	}
}

// WithLogLevel sets the level of the package-wide logger. Must be
// applied after WithLogger.
func WithLogLevel(level logrus.Level) Option {
	return func(s *Server) error {
		if log == nil {
			return fmt.Errorf("irc: WithLogLevel requires WithLogger to run first")
		}
		log.SetLevel(level)
		return nil
	}
}

// WithDefaultLogFormatter installs the nested field formatter used
// throughout the project's tooling. Must be applied after WithLogger.
func WithDefaultLogFormatter() Option {
	return func(s *Server) error {
		if log == nil {
			return fmt.Errorf("irc: WithDefaultLogFormatter requires WithLogger to run first")
		}
		log.SetFormatter(&formatter.Formatter{
			TimestampFormat: time.RFC3339,
			HideKeys:        true,
			FieldsOrder:     []string{"component", "sub-component", "command"},
		})
		return nil
	}
}

// WithGracefulShutdown ties the server's accept loop to ctx: when ctx
// is canceled, ListenAndServe stops accepting new connections, gives
// existing connections up to timeout to drain, then returns
// ErrServerClosed.
func WithGracefulShutdown(ctx context.Context, timeout time.Duration) Option {
	return func(s *Server) error {
		s.shutdownCtx, s.shutdownCancel = context.WithCancel(ctx)
		s.shutdownWait = timeout
		return nil
	}
}

// WithRegistry sets the Prometheus registry the server's metrics are
// registered against. Defaults to a fresh, unexported registry if
// omitted so multiple Server instances in the same process (as in
// tests) never collide on metric names.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) error {
		s.Registry = reg
		return nil
	}
}

// WithOperator registers an OPER credential: username plus a bcrypt
// hash of the password, checked by the OPER command handler.
func WithOperator(username, passwordHash string) Option {
	return func(s *Server) error {
		if s.OperCredentials == nil {
			s.OperCredentials = make(map[string]string)
		}
		s.OperCredentials[strings.ToLower(username)] = passwordHash
		return nil
	}
}

// WithJournal sets the persistence journal sender. Defaults to a
// discarding in-memory ChanSender if omitted.
func WithJournal(sender journal.Sender) Option {
	return func(s *Server) error {
		s.Journal = sender
		return nil
	}
}

// Warmup initializes package-level state shared across Server
// instances: the package logger and the message pool. Route
// registration happens per-Server in NewServer, since routes close
// over nothing but are still scoped to a *Router instance.
func Warmup(logger *logrus.Logger) {
	log = logger
	log.Info("irc: Warming up message pool")
	msgPool.Warmup(MessagePoolMax)
}

// NewServer initializes and returns a new instance of a Server,
// applying the given Options in order. Options that depend on the
// logger being set (WithLogLevel, WithDefaultLogFormatter) must
// appear after WithLogger in the argument list.
func NewServer(opts ...Option) (*Server, error) {
	server := &Server{
		Users:    NewUserMap(),
		Nicks:    NewUserMap(),
		Conns:    NewConnMap(),
		Channels: NewChanMap(),
		Network:  NewNetwork(),
		Peers:    NewConnMap(),
		support:  util.NewConcurrentMapString(),
		conns:    conc.NewWaitGroup(),
	}
	server.setISupport()

	for _, opt := range opts {
		if err := opt(server); err != nil {
			return nil, err
		}
	}

	if log == nil {
		log = logrus.New()
	}

	if server.Registry == nil {
		server.Registry = prometheus.NewRegistry()
	}
	server.Metrics = newServerMetrics(server.Registry)

	if server.Journal == nil {
		server.Journal = journal.NewChanSender(256, log.WithField("component", "journal"), nil)
	}

	if server.Node == nil {
		server.Node = NewServerNode(server.Hostname(), "", "")
	}

	if server.shutdownCtx == nil {
		server.shutdownCtx, server.shutdownCancel = context.WithCancel(context.Background())
		server.shutdownWait = 10 * time.Second
	}

	server.Router = NewRouter(log.WithField("component", "irc"))
	registerRoutes(server.Router)

	return server, nil
}

// NetworkName returns the configured network name of the server.
func (server *Server) NetworkName() string {
	val, err := server.support.Get("network")
	if err != nil {
		return server.Hostname()
	}
	return val
}

// SetNetwork sets the configured network name of the server in a
// concurrency safe manner.
func (server *Server) SetNetwork(new string) {
	if server.support.Set("network", new) != nil {
		log.Error("irc: Could not set server parameter: network")
	}
}

// Address returns the configured address of the server in a
// concurrency safe manner.
func (server *Server) Address() string {
	server.RLock()
	defer server.RUnlock()

	if len(server.listenAddr) < 1 {
		if server.listener != nil {
			return server.listener.Addr().String()
		}
		return ""
	}
	return server.listenAddr
}

// SetAddress sets the configured address of the server in a
// concurrency safe manner.
func (server *Server) SetAddress(addr string) {
	server.Lock()
	defer server.Unlock()

	server.listenAddr = addr
}

// Hostname returns the configured hostname of the server in a
// concurrency safe manner.
func (server *Server) Hostname() string {
	server.RLock()
	defer server.RUnlock()

	if len(server.hostname) < 1 {
		if server.listener != nil {
			return server.listener.Addr().String()
		}
		return ""
	}
	return server.hostname
}

// SetHostname sets the configured hostname of the server in a
// concurrency safe manner.
func (server *Server) SetHostname(host string) {
	server.Lock()
	defer server.Unlock()

	server.hostname = host
}

// MOTD returns the configured MOTD of the server in a
// concurrency safe manner.
func (server *Server) MOTD() string {
	server.RLock()
	defer server.RUnlock()

	if len(server.motd) < 1 {
		return "Server has no MOTD message set."
	}
	return server.motd
}

// SetMOTD sets the configured MOTD of the server in a
// concurrency safe manner.
func (server *Server) SetMOTD(motd string) {
	server.Lock()
	defer server.Unlock()

	server.motd = motd
}

// Welcome returns the configured welcome message of the server in a
// concurrency safe manner.
func (server *Server) Welcome() string {
	server.RLock()
	defer server.RUnlock()

	if len(server.welcome) < 1 {
		return "Server has no welcome message set."
	}
	return server.welcome
}

// SetWelcome sets the configured welcome message of the server in a
// concurrency safe manner.
func (server *Server) SetWelcome(msg string) {
	server.Lock()
	defer server.Unlock()

	server.welcome = msg
}

// ISupport returns a slice of formatted ISupport key=value pairs.
func (server *Server) ISupport() []string {
	support := make([]string, server.support.Length())
	index := 0
	var buffer bytes.Buffer

	server.support.ForEach(func(config, setting string) {
		buffer.WriteString(strings.ToUpper(config))

		if len(setting) > 0 {
			buffer.WriteString("=")
			buffer.WriteString(setting)
		}

		support[index] = buffer.String()
		buffer.Reset()
		index++
	})

	return support
}

func (server *Server) setISupport() {
	server.support.Add("chanmodes", "b,k,l,imnpst")
	server.support.Add("prefix", "(ov)@+")
	server.support.Add("maxpara", fmt.Sprint(MaxMsgParams))
	server.support.Add("modes", fmt.Sprint(MaxModeChange))
	server.support.Add("chanlimit", fmt.Sprintf("#&:%v", MaxJoinedChans))
	server.support.Add("nicklen", fmt.Sprint(MaxNickLength))
	server.support.Add("maxlist", fmt.Sprintf("b:%v", MaxListItems))
	server.support.Add("casemapping", "ascii")
	server.support.Add("topiclen", fmt.Sprint(MaxTopicLength))
	server.support.Add("kicklen", fmt.Sprint(MaxKickLength))
	server.support.Add("chanlen", fmt.Sprint(MaxChanLength))
	server.support.Add("awaylen", fmt.Sprint(MaxAwayLength))
}

// ListenAndServe listens on the server's configured TCP listen address
// and then calls Serve to handle the irc.Conn sessions.
// Accepted connections are configured to enable TCP keep-alives.
//
// If no listen address is configured, ":6667" is used.
//
// ListenAndServe always returns a non-nil error; once shutdown has
// been triggered (Shutdown, or cancellation of the context given to
// WithGracefulShutdown), the error is ErrServerClosed.
func (server *Server) ListenAndServe() error {
	addr := server.Address()
	if addr == "" {
		addr = ":6667"
	}

	listen, err := net.Listen("tcp4", addr)
	if err != nil {
		return err
	}

	return server.Serve(tcpKeepAliveListener{listen.(*net.TCPListener)})
}

// ListenAndServeTLS listens on the server's configured TCP listen address and
// then calls Serve to handle the irc.Conn sessions on a TLS connection.
// Accepted connections are configured to enable TCP keep-alives.
//
// Filenames containing a certificate and matching private key for the
// server must be provided if neither the Server's TLSConfig.Certificates
// nor TLSConfig.GetCertificate are populated. If the certificate is
// signed by a certificate authority, the certFile should be the
// concatenation of the server's certificate, any intermediates, and
// the CA's certificate.
//
// If no listen address is configured, ":6697" is used.
func (server *Server) ListenAndServeTLS(certFile, keyFile string) error {
	addr := server.Address()
	if addr == "" {
		addr = ":6697"
	}

	config := cloneTLSConfig(server.TLSConfig)

	configHasCert := len(config.Certificates) > 0 || config.GetCertificate != nil
	if !configHasCert || certFile != "" || keyFile != "" {
		var err error
		config.Certificates = make([]tls.Certificate, 1)
		config.Certificates[0], err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return err
		}
	}

	listen, err := net.Listen("tcp4", addr)
	if err != nil {
		return err
	}

	tlsListener := tls.NewListener(tcpKeepAliveListener{listen.(*net.TCPListener)}, config)
	return server.Serve(tlsListener)
}

// Serve starts an IRC server which listens for connections on the given
// net.Listener, accepts them when they arrive, then assigns them to a
// new instance of irc.Conn. It returns ErrServerClosed once the
// server's shutdown context is canceled and active connections have
// either drained or the shutdown timeout elapsed (10 seconds unless
// WithGracefulShutdown sets another).
func (server *Server) Serve(listen net.Listener) error {
	server.Lock()
	server.listener = listen
	server.Unlock()

	defer listen.Close()

	log.Printf("irc: Starting IRC server listener at local address [%s]", listen.Addr())

	go func() {
		<-server.shutdownCtx.Done()
		server.Lock()
		server.closing = true
		server.Unlock()
		listen.Close()
	}()

	var tempDelay time.Duration // how long to sleep on accept failure

	for {
		sock, err := listen.Accept()

		if err != nil {
			server.RLock()
			closing := server.closing
			server.RUnlock()

			if closing {
				return server.waitForShutdown()
			}

			if neterr, ok := err.(net.Error); ok && neterr.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}

				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}

				log.Errorf("irc: Error accepting connection: %v; retrying in %vms", err, tempDelay.Nanoseconds()/int64(time.Millisecond))
				time.Sleep(tempDelay)
				continue
			}

			return err
		}

		tempDelay = 0
		server.Metrics.ConnectionsTotal.Inc()
		conn := NewConn(server, sock)
		server.conns.Go(func() { serve(conn) })
	}
}

// waitForShutdown blocks until in-flight connections drain or the
// configured shutdown timeout elapses, then returns ErrServerClosed.
func (server *Server) waitForShutdown() error {
	done := make(chan struct{})
	go func() {
		server.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(server.shutdownWait):
		log.Warn("irc: Shutdown timeout elapsed with connections still active")
	}

	return ErrServerClosed
}

// Shutdown triggers graceful shutdown by canceling the server's
// shutdown context. NewServer always sets that context up, so this
// works whether or not WithGracefulShutdown was configured.
func (server *Server) Shutdown() {
	if server.shutdownCancel != nil {
		server.shutdownCancel()
	}
}

// cloneTLSConfig returns a shallow clone of the exported
// fields of cfg, ignoring the unexported sync.Once, which
// contains a mutex and must not be copied.
//
// If cfg is nil, a new zero tls.Config is returned.
func cloneTLSConfig(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		return &tls.Config{}
	}
	return &tls.Config{
		Rand:                     cfg.Rand,
		Time:                     cfg.Time,
		Certificates:             cfg.Certificates,
		GetCertificate:           cfg.GetCertificate,
		RootCAs:                  cfg.RootCAs,
		NextProtos:               cfg.NextProtos,
		ServerName:               cfg.ServerName,
		ClientAuth:               cfg.ClientAuth,
		ClientCAs:                cfg.ClientCAs,
		InsecureSkipVerify:       cfg.InsecureSkipVerify,
		CipherSuites:             cfg.CipherSuites,
		PreferServerCipherSuites: cfg.PreferServerCipherSuites,
		SessionTicketsDisabled:   cfg.SessionTicketsDisabled,
		SessionTicketKey:         cfg.SessionTicketKey,
		ClientSessionCache:       cfg.ClientSessionCache,
		MinVersion:               cfg.MinVersion,
		MaxVersion:               cfg.MaxVersion,
		CurvePreferences:         cfg.CurvePreferences,
	}
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// connections. It's used by ListenAndServe and ListenAndServeTLS so
// dead TCP connections (e.g. closing laptop mid-download) eventually
// go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (listen tcpKeepAliveListener) Accept() (net.Conn, error) {
	conn, err := listen.AcceptTCP()
	if err != nil {
		return nil, err
	}
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(KeepAliveTimeout)
	return conn, nil
}
