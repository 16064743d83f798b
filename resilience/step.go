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

// Package resilience decides whether and when to talk to a mail server
// again. It holds the circuit breakers, backoff profiles, latency
// metrics and the health monitor shared by every session of a process.
package resilience

import "fmt"

// Step is one protocol step whose latency is tracked separately.
type Step string

const (
	StepConnect Step = "connect"
	StepLogin   Step = "login"
	StepList    Step = "list"
	StepSelect  Step = "select"
	StepSearch  Step = "search"
	StepFetch   Step = "fetch"
	StepParse   Step = "parse"
	StepStore   Step = "store"
	StepSend    Step = "send"
)

var Steps = []Step{
	StepConnect,
	StepLogin,
	StepList,
	StepSelect,
	StepSearch,
	StepFetch,
	StepParse,
	StepStore,
	StepSend,
}

// Key identifies the endpoint a circuit and its metrics belong to.
type Key struct {
	Account string
	Host    string
}

func (k Key) String() string {
	return fmt.Sprintf("%v@%v", k.Account, k.Host)
}
