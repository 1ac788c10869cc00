package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	quic "github.com/quic-go/quic-go"

	"gossipsim/internal/crypto"
	"gossipsim/internal/debuglog"
)

const (
	alpn = "gossipsim-collect"

	// MaxPayloadSize bounds one run record on the wire.
	MaxPayloadSize = 64 << 20

	ackOK     byte = 1
	ackReject byte = 0

	defaultMaxStreamsPerIP = 64
)

var ErrRejected = errors.New("collector rejected payload")

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := crypto.KDF("gossipsim:v1:quic-dev-key")
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
		}, nil
	}
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpn},
	}, nil
}

// Handler consumes one payload. A returned error is acknowledged to the
// sender as a rejection.
type Handler func(remote string, payload []byte) error

type Options struct {
	MaxConnsPerIP   int
	MaxStreamsPerIP int
}

// Collector accepts run records over QUIC, one stream per record.
type Collector struct {
	listener *quic.Listener
	limiter  *ipLimiter
}

func Listen(addr string, opts Options) (*Collector, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	if opts.MaxStreamsPerIP == 0 {
		opts.MaxStreamsPerIP = envInt("GOSSIPSIM_MAX_STREAMS_PER_IP", defaultMaxStreamsPerIP)
	}
	debuglog.Debugf("quic listen ready: %s", listener.Addr())
	return &Collector{
		listener: listener,
		limiter:  newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
	}, nil
}

func (c *Collector) Addr() net.Addr {
	return c.listener.Addr()
}

func (c *Collector) Close() error {
	return c.listener.Close()
}

// Serve accepts connections until ctx is done or the listener closes.
func (c *Collector) Serve(ctx context.Context, handle Handler) error {
	defer closeOnCancel(ctx, func() { _ = c.listener.Close() })()
	for {
		conn, err := c.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		ip := remoteIP(conn.RemoteAddr())
		if !c.limiter.acquireConn(ip) {
			debuglog.RateLimitedf("conn-cap-"+ip, 5*time.Second, "quic conn cap reached for %s", ip)
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		go c.serveConn(ctx, conn, ip, handle)
	}
}

// closeOnCancel runs closeFn if ctx ends before the returned release is
// called. release waits for the watcher goroutine to exit.
func closeOnCancel(ctx context.Context, closeFn func()) (release func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			closeFn()
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (c *Collector) serveConn(ctx context.Context, conn *quic.Conn, ip string, handle Handler) {
	defer c.limiter.releaseConn(ip)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			debuglog.Debugf("quic accept stream from %s: %v", ip, err)
			return
		}
		if !c.limiter.acquireStream(ip) {
			stream.CancelRead(1)
			_, _ = stream.Write([]byte{ackReject})
			_ = stream.Close()
			continue
		}
		go func(s *quic.Stream) {
			defer c.limiter.releaseStream(ip)
			defer s.Close()
			data, err := io.ReadAll(io.LimitReader(s, MaxPayloadSize+1))
			if err != nil {
				debuglog.Debugf("quic read from %s: %v", ip, err)
				return
			}
			ack := ackOK
			if len(data) == 0 || len(data) > MaxPayloadSize {
				ack = ackReject
			} else if err := handle(conn.RemoteAddr().String(), data); err != nil {
				debuglog.Logf("collector: payload from %s rejected: %v", ip, err)
				ack = ackReject
			}
			_, _ = s.Write([]byte{ack})
		}(stream)
	}
}

// Send delivers one payload and waits for the collector's acknowledgement.
func Send(ctx context.Context, addr string, payload []byte, insecure bool) error {
	if len(payload) == 0 || len(payload) > MaxPayloadSize {
		return fmt.Errorf("payload size %d outside (0,%d]", len(payload), MaxPayloadSize)
	}
	tlsConf, err := clientTLSConfig(insecure)
	if err != nil {
		return err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("quic dial %s: %w", addr, err)
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	if _, err := stream.Write(payload); err != nil {
		return err
	}
	// Close only ends our direction; the ack still arrives.
	if err := stream.Close(); err != nil {
		return err
	}
	ack, err := io.ReadAll(io.LimitReader(stream, 1))
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if len(ack) != 1 || ack[0] != ackOK {
		return ErrRejected
	}
	return nil
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
