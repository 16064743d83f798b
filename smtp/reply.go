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

package smtp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vs49688/mailwire/mailerr"
	"github.com/vs49688/mailwire/transport"
)

var errMalformedReply = errors.New("malformed reply")

// Reply is one complete, possibly multi-line, server reply.
type Reply struct {
	Code  int
	Lines []string
}

func (r *Reply) Message() string {
	return strings.Join(r.Lines, "\n")
}

// ReplyError is an unexpected reply to a command.
type ReplyError struct {
	Command string
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%v: unexpected reply %v %v", e.Command, e.Code, e.Message)
}

// readReply reads lines until the final line of a reply. A '-' after the
// code means more lines follow; a space or nothing ends the reply.
func readReply(s *transport.Session) (*Reply, error) {
	reply := &Reply{}
	for {
		line, err := s.ReadLine()
		if err != nil {
			return nil, err
		}

		if len(line) < 3 {
			return nil, mailerr.New(mailerr.KindProtocol, "reply", fmt.Errorf("%w: %q", errMalformedReply, line))
		}

		code, err := strconv.Atoi(line[:3])
		if err != nil || code < 100 || code > 599 {
			return nil, mailerr.New(mailerr.KindProtocol, "reply", fmt.Errorf("%w: %q", errMalformedReply, line))
		}

		if reply.Code != 0 && code != reply.Code {
			return nil, mailerr.New(mailerr.KindProtocol, "reply", fmt.Errorf("%w: code changed mid-reply: %q", errMalformedReply, line))
		}
		reply.Code = code

		if len(line) == 3 {
			reply.Lines = append(reply.Lines, "")
			return reply, nil
		}

		reply.Lines = append(reply.Lines, line[4:])
		switch line[3] {
		case '-':
			continue
		case ' ':
			return reply, nil
		default:
			return nil, mailerr.New(mailerr.KindProtocol, "reply", fmt.Errorf("%w: %q", errMalformedReply, line))
		}
	}
}

func expect(cmd string, r *Reply, codes ...int) error {
	for _, c := range codes {
		if r.Code == c {
			return nil
		}
	}
	return mailerr.New(mailerr.KindProtocol, cmd, &ReplyError{Command: cmd, Code: r.Code, Message: r.Message()})
}
