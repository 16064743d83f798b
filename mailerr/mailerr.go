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

// Package mailerr holds the error taxonomy shared by the IMAP and SMTP
// engines and the resilience layer.
package mailerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindDNS
	KindTimeout
	KindRefused
	KindUnreachable
	KindAuth
	KindProtocol
	KindParse
	KindIO
	// KindUnavailable is returned without touching the network while
	// a circuit is open.
	KindUnavailable
)

// Kinds lists every kind, in declaration order.
var Kinds = []Kind{
	KindUnknown,
	KindDNS,
	KindTimeout,
	KindRefused,
	KindUnreachable,
	KindAuth,
	KindProtocol,
	KindParse,
	KindIO,
	KindUnavailable,
}

func (k Kind) String() string {
	switch k {
	case KindDNS:
		return "dns"
	case KindTimeout:
		return "timeout"
	case KindRefused:
		return "refused"
	case KindUnreachable:
		return "unreachable"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindParse:
		return "parse"
	case KindIO:
		return "io"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown error kind %q", s)
}

// Permanent reports the default classification of a kind. Permanent
// kinds are never retried.
func (k Kind) Permanent() bool {
	switch k {
	case KindAuth, KindProtocol, KindParse:
		return true
	default:
		return false
	}
}

// Error is a classified failure of a single operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%v: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind. An err that is already an *Error keeps its
// kind unless it is unknown.
func New(kind Kind, op string, err error) error {
	var me *Error
	if errors.As(err, &me) && me.Kind != KindUnknown {
		kind = me.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error from a format string.
func Errorf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err with KindOf and wraps it. nil stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf classifies an arbitrary error. Errors already carrying a kind
// keep it; network errors are mapped onto their transport kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var me *Error
	if errors.As(err, &me) && me.Kind != KindUnknown {
		return me.Kind
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindDNS
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return KindUnreachable
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed):
		return KindIO
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindIO
	}

	return KindUnknown
}

// IsPermanent reports whether err carries a permanent kind by default.
func IsPermanent(err error) bool {
	return KindOf(err).Permanent()
}
