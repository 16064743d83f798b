/*
 * MailWire - Copyright (C) 2022 Zane van Iperen.
 *    Contact: zane@zanevaniperen.com
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 2, and only
 * version 2 as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 59 Temple Place, Suite 330, Boston, MA  02111-1307  USA
 */

// Package transport owns a single TCP connection to a mail server,
// optionally upgraded to TLS, and exposes line-oriented I/O with a
// single outstanding command and idle-bounded reads.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/mailerr"
)

type TLSMode int

const (
	TLSNone TLSMode = iota
	TLSImplicit
	TLSStartTLS
)

func (m TLSMode) String() string {
	switch m {
	case TLSImplicit:
		return "tls"
	case TLSStartTLS:
		return "starttls"
	default:
		return "none"
	}
}

func ParseTLSMode(s string) (TLSMode, error) {
	switch strings.ToLower(s) {
	case "", "none", "plain":
		return TLSNone, nil
	case "tls", "implicit", "ssl":
		return TLSImplicit, nil
	case "starttls":
		return TLSStartTLS, nil
	default:
		return TLSNone, fmt.Errorf("invalid tls mode %q", s)
	}
}

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultCommandTimeout = 60 * time.Second
	DefaultMaxLiteralSize = 64 << 20
	DefaultMaxLineLength  = 1 << 20

	readChunkSize = 32 << 10
)

var (
	ErrCommandInFlight = errors.New("command already in flight")
	ErrSessionBroken   = errors.New("session broken")
	ErrBufferedData    = errors.New("unread data buffered before tls upgrade")
	ErrLiteralTooLarge = errors.New("literal too large")
	ErrLineTooLong     = errors.New("line too long")
)

// Dialer is the subset of net.Dialer used to open connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	Host           string
	Port           int
	TLSMode        TLSMode
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Debug          bool
	Logger         *log.Entry
	Dialer         Dialer
	// MaxLiteralSize bounds a single ReadFull. Larger sizes break the session.
	MaxLiteralSize int64
	// MaxLineLength bounds a single physical line.
	MaxLineLength int
}

func (cfg *Config) withDefaults() Config {
	ourCfg := *cfg
	if ourCfg.ConnectTimeout <= 0 {
		ourCfg.ConnectTimeout = DefaultConnectTimeout
	}

	if ourCfg.CommandTimeout <= 0 {
		ourCfg.CommandTimeout = DefaultCommandTimeout
	}

	if ourCfg.MaxLiteralSize <= 0 {
		ourCfg.MaxLiteralSize = DefaultMaxLiteralSize
	}

	if ourCfg.MaxLineLength <= 0 {
		ourCfg.MaxLineLength = DefaultMaxLineLength
	}

	if ourCfg.Logger == nil {
		ourCfg.Logger = log.NewEntry(log.StandardLogger())
	}
	return ourCfg
}

func (cfg *Config) HostPort() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

type Session struct {
	cfg    Config
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	wmu      sync.Mutex
	inFlight int32
	broken   int32
	tls      bool
	log      *log.Entry
}

func (cfg *Config) tlsConfig() *tls.Config {
	var c *tls.Config
	if cfg.TLSConfig != nil {
		c = cfg.TLSConfig.Clone()
	} else {
		c = &tls.Config{}
	}

	if c.ServerName == "" {
		c.ServerName = cfg.Host
	}
	return c
}

// Open dials the server. Implicit TLS is negotiated before Open returns;
// STARTTLS is left to the protocol layer, which calls UpgradeToTLS.
func Open(ctx context.Context, cfg *Config) (*Session, error) {
	ourCfg := cfg.withDefaults()
	if ourCfg.Dialer == nil {
		ourCfg.Dialer = &net.Dialer{}
	}

	logger := ourCfg.Logger.WithFields(log.Fields{
		"host": ourCfg.Host,
		"port": ourCfg.Port,
		"tls":  ourCfg.TLSMode,
	})

	dialCtx, cancel := context.WithTimeout(ctx, ourCfg.ConnectTimeout)
	defer cancel()

	logger.Trace("transport_dialing")
	conn, err := ourCfg.Dialer.DialContext(dialCtx, "tcp", ourCfg.HostPort())
	if err != nil {
		logger.WithError(err).Debug("transport_dial_failed")
		return nil, mailerr.Wrap("connect", err)
	}

	s := &Session{
		cfg:  ourCfg,
		conn: conn,
		log:  logger,
	}

	if ourCfg.TLSMode == TLSImplicit {
		tlsConn := tls.Client(conn, ourCfg.tlsConfig())
		if deadline, ok := dialCtx.Deadline(); ok {
			_ = tlsConn.SetDeadline(deadline)
		}

		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = conn.Close()
			return nil, mailerr.New(mailerr.KindOf(err), "tls handshake", err)
		}

		_ = tlsConn.SetDeadline(time.Time{})
		s.conn = tlsConn
		s.tls = true
	}

	s.reader = bufio.NewReader(s.conn)
	s.writer = bufio.NewWriter(s.conn)

	logger.Trace("transport_connected")
	return s, nil
}

// NewSession wraps an already established connection. Used by tests
// and by callers that dial themselves.
func NewSession(conn net.Conn, cfg *Config) *Session {
	ourCfg := cfg.withDefaults()
	_, isTLS := conn.(*tls.Conn)
	return &Session{
		cfg:    ourCfg,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		tls:    isTLS,
		log:    ourCfg.Logger,
	}
}

func (s *Session) IsTLS() bool {
	return s.tls
}

func (s *Session) Config() *Config {
	return &s.cfg
}

func (s *Session) Broken() bool {
	return atomic.LoadInt32(&s.broken) != 0
}

// fail marks the session unusable and closes the connection. The
// protocol state of a session that timed out is unknown.
func (s *Session) fail(op string, err error) error {
	if atomic.CompareAndSwapInt32(&s.broken, 0, 1) {
		s.log.WithError(err).WithField("op", op).Debug("transport_session_failed")
		_ = s.conn.Close()
	}
	return mailerr.Wrap(op, err)
}

// Abort marks the session unusable after the caller found the stream
// out of sync, for example on an unparsable literal header.
func (s *Session) Abort(op string, err error) error {
	return s.fail(op, err)
}

// Begin marks a command as outstanding. Only one may be outstanding at a time.
func (s *Session) Begin() error {
	if s.Broken() {
		return mailerr.New(mailerr.KindIO, "begin", ErrSessionBroken)
	}

	if !atomic.CompareAndSwapInt32(&s.inFlight, 0, 1) {
		return mailerr.New(mailerr.KindProtocol, "begin", ErrCommandInFlight)
	}
	return nil
}

// End clears the outstanding command.
func (s *Session) End() {
	atomic.StoreInt32(&s.inFlight, 0)
}

func (s *Session) InFlight() bool {
	return atomic.LoadInt32(&s.inFlight) != 0
}

// SendLine writes line followed by CRLF and flushes.
func (s *Session) SendLine(line string) error {
	return s.send(line, []byte(line+"\r\n"))
}

// SendRedacted is SendLine, but debug output shows redacted instead.
func (s *Session) SendRedacted(line string, redacted string) error {
	return s.send(redacted, []byte(line+"\r\n"))
}

func (s *Session) send(display string, data []byte) error {
	if s.Broken() {
		return mailerr.New(mailerr.KindIO, "send", ErrSessionBroken)
	}

	if s.cfg.Debug {
		s.log.WithField("line", display).Trace("transport_send")
	}

	return s.Write(data)
}

// Write writes raw bytes and flushes.
func (s *Session) Write(p []byte) error {
	if s.Broken() {
		return mailerr.New(mailerr.KindIO, "write", ErrSessionBroken)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.CommandTimeout))
	if _, err := s.writer.Write(p); err != nil {
		return s.fail("write", err)
	}

	if err := s.writer.Flush(); err != nil {
		return s.fail("write", err)
	}
	return nil
}

func (s *Session) arm(timeout time.Duration) {
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
}

// ReadLine reads one CRLF (or LF) terminated line, without the terminator.
// The idle deadline is re-armed before the read.
func (s *Session) ReadLine() (string, error) {
	return s.ReadLineTimeout(0)
}

// ReadLineTimeout is ReadLine with an explicit idle timeout.
func (s *Session) ReadLineTimeout(timeout time.Duration) (string, error) {
	if s.Broken() {
		return "", mailerr.New(mailerr.KindIO, "read", ErrSessionBroken)
	}

	var line []byte
	for {
		s.arm(timeout)
		part, isPrefix, err := s.reader.ReadLine()
		if err != nil {
			return "", s.fail("read", err)
		}

		if len(line)+len(part) > s.cfg.MaxLineLength {
			return "", s.fail("read", mailerr.New(mailerr.KindParse, "read",
				fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, s.cfg.MaxLineLength)))
		}

		line = append(line, part...)
		if !isPrefix {
			break
		}
	}

	if s.cfg.Debug {
		s.log.WithField("line", string(line)).Trace("transport_recv")
	}

	return string(line), nil
}

// ReadFull reads exactly n bytes, re-arming the idle deadline on every
// chunk so a slow but live transfer is not aborted. The buffer grows as
// data arrives. A size above MaxLiteralSize breaks the session.
func (s *Session) ReadFull(n int64) ([]byte, error) {
	if s.Broken() {
		return nil, mailerr.New(mailerr.KindIO, "read", ErrSessionBroken)
	}

	if n < 0 || n > s.cfg.MaxLiteralSize {
		return nil, s.fail("read", mailerr.New(mailerr.KindParse, "literal",
			fmt.Errorf("%w: %d bytes, limit %d", ErrLiteralTooLarge, n, s.cfg.MaxLiteralSize)))
	}

	buf := make([]byte, 0, min(n, readChunkSize))
	chunk := make([]byte, min(n, readChunkSize))
	for int64(len(buf)) < n {
		s.arm(0)
		want := min(n-int64(len(buf)), int64(len(chunk)))
		m, err := s.reader.Read(chunk[:want])
		buf = append(buf, chunk[:m]...)
		if err != nil {
			if errors.Is(err, io.EOF) && int64(len(buf)) == n {
				break
			}
			return nil, s.fail("read", err)
		}
	}

	if s.cfg.Debug {
		s.log.WithField("size", n).Trace("transport_recv_literal")
	}

	return buf, nil
}

// ReceiveLines reads lines until stop returns true for a line. The
// matching line is included in the result.
func (s *Session) ReceiveLines(stop func(line string) bool, idleTimeout time.Duration) ([]string, error) {
	var lines []string
	for {
		line, err := s.ReadLineTimeout(idleTimeout)
		if err != nil {
			return lines, err
		}

		lines = append(lines, line)
		if stop(line) {
			return lines, nil
		}
	}
}

// UpgradeToTLS negotiates TLS over the existing connection. The STARTTLS
// reply must have been fully consumed: any bytes still buffered were sent
// in plaintext by the peer and are refused rather than carried over.
func (s *Session) UpgradeToTLS() error {
	if s.Broken() {
		return mailerr.New(mailerr.KindIO, "starttls", ErrSessionBroken)
	}

	if s.tls {
		return mailerr.Errorf(mailerr.KindProtocol, "starttls", "session already uses tls")
	}

	if n := s.reader.Buffered(); n > 0 {
		s.log.WithField("buffered", n).Warn("transport_starttls_injection")
		return s.fail("starttls", mailerr.New(mailerr.KindProtocol, "starttls", ErrBufferedData))
	}

	tlsConn := tls.Client(s.conn, s.cfg.tlsConfig())
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return s.fail("starttls", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})

	s.wmu.Lock()
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tls = true
	s.wmu.Unlock()

	s.log.Trace("transport_tls_upgraded")
	return nil
}

func (s *Session) Close() error {
	atomic.StoreInt32(&s.broken, 1)
	return s.conn.Close()
}
