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

package internal

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
)

// BuildTestIMAPServer starts an in-memory IMAP server with a single
// empty INBOX for "username"/"password".
func BuildTestIMAPServer(t *testing.T) (*server.Server, string, *memory.Mailbox) {
	be := memory.New()
	user, err := be.Login(nil, "username", "password")
	assert.NoError(t, err)
	if err != nil {
		t.FailNow()
	}

	mb, err := user.GetMailbox("INBOX")
	assert.NoError(t, err)
	if err != nil {
		t.FailNow()
	}

	mailbox := mb.(*memory.Mailbox)
	mailbox.Messages = nil

	s := server.New(be)
	t.Cleanup(func() { _ = s.Close() })

	s.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "localhost:0")
	assert.NoError(t, err)
	if err != nil {
		t.FailNow()
	}

	go func() { _ = s.Serve(l) }()

	return s, l.Addr().String(), mailbox
}

// BuildTestTLSConfigs returns a server config holding a fresh self-signed
// certificate for localhost, and a client config trusting it.
func BuildTestTLSConfigs(t *testing.T) (*tls.Config, *tls.Config) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	cert, err := x509.ParseCertificate(der)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	serverCfg := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}},
	}

	clientCfg := &tls.Config{
		RootCAs: pool,
	}

	return serverCfg, clientCfg
}

// SplitHostPort splits a listener address, failing the test on error.
func SplitHostPort(t *testing.T, addr string) (string, int) {
	host, port, err := net.SplitHostPort(addr)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	var portNum int
	for _, c := range port {
		portNum = portNum*10 + int(c-'0')
	}

	return host, portNum
}

// CreateTestMailbox adds a mailbox to the test user's account.
func CreateTestMailbox(t *testing.T, s *server.Server, name string) *memory.Mailbox {
	user, err := s.Backend.Login(nil, "username", "password")
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	if err := user.CreateMailbox(name); !assert.NoError(t, err) {
		t.FailNow()
	}

	mb, err := user.GetMailbox(name)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return mb.(*memory.Mailbox)
}
