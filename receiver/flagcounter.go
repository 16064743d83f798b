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

package receiver

import "sync"

// FlagCounter is a hybrid between a counter and a flag. It counts how
// many times a condition was raised until the loop services it.
type FlagCounter struct {
	Counter uint
}

func (c *FlagCounter) Flag() {
	c.Counter++
}

func (c *FlagCounter) FlagIf(b bool) {
	if b {
		c.Flag()
	}
}

func (c *FlagCounter) IsFlagged() bool {
	return c.Counter > 0
}

func (c *FlagCounter) Reset() {
	c.Counter = 0
}

// Stopper closes its channel on the first Stop.
type Stopper struct {
	once sync.Once
	ch   chan struct{}
}

func NewStopper() *Stopper {
	return &Stopper{ch: make(chan struct{})}
}

func (s *Stopper) Stop() {
	s.once.Do(func() { close(s.ch) })
}

func (s *Stopper) Channel() <-chan struct{} {
	return s.ch
}
