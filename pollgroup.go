// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mq

import (
	"time"

	"golang.org/x/sys/unix"

	"code.hybscloud.com/mq/internal/itable"
)

// PollGroup multiplexes many Connections via a single ppoll call. It owns a
// set of members and three derived sets refreshed on every Wait: acceptable,
// readable, and errored (spec §3, §4.8).
type PollGroup struct {
	members    *itable.Table[*Connection]
	acceptable *itable.Table[*Connection]
	readable   *itable.Table[*Connection]
	errored    *itable.Table[*Connection]
}

// NewPollGroup creates an empty poll group.
func NewPollGroup(opts ...PollOption) *PollGroup {
	var o pollOptions
	for _, fn := range opts {
		fn(&o)
	}
	return &PollGroup{
		members:    itable.New[*Connection](),
		acceptable: itable.New[*Connection](),
		readable:   itable.New[*Connection](),
		errored:    itable.New[*Connection](),
	}
}

// Add joins c to the group. Returns ErrExist if c is already a member of
// this group, ErrAlreadyMember if it belongs to a different group (spec
// invariant 5, §4.8).
func (g *PollGroup) Add(c *Connection) error {
	if c.group == g {
		return ErrExist
	}
	if c.group != nil {
		return ErrAlreadyMember
	}
	c.group = g
	g.members.Add(c)
	return nil
}

// Remove clears c's membership in this group and every derived set.
func (g *PollGroup) Remove(c *Connection) error {
	if c.group != g {
		return ErrInvalidArgument
	}
	c.group = nil
	g.members.Remove(c)
	g.acceptable.Remove(c)
	g.readable.Remove(c)
	g.errored.Remove(c)
	return nil
}

// Delete nulls every member's back-reference to this group without closing
// any member connection (spec §9 "cyclic references").
func (g *PollGroup) Delete() {
	for _, c := range g.members.Snapshot() {
		c.group = nil
	}
	g.members = itable.New[*Connection]()
	g.acceptable = itable.New[*Connection]()
	g.readable = itable.New[*Connection]()
	g.errored = itable.New[*Connection]()
}

// Acceptable, Readable, and Error return one member at a time from the
// corresponding derived set, for draining in a loop.
func (g *PollGroup) Acceptable() (*Connection, bool) { return g.acceptable.Pop() }
func (g *PollGroup) Readable() (*Connection, bool)   { return g.readable.Pop() }
func (g *PollGroup) Error() (*Connection, bool)      { return g.errored.Pop() }

// Wait advances every member connection once and reports aggregate
// readiness (spec §4.7 poll_wait). It returns the combined size of
// acceptable+readable+errored as soon as that sum is non-zero, without
// blocking further; 0 on timeout/EINTR; an error on internal failure.
//
// poll_wait relies on a stable iteration order over members across
// successive passes (spec §9 "Poll construction ordering") so pollfd array
// indices line up with the connections that populated them; itable.Table
// guarantees that via Snapshot.
func (g *PollGroup) Wait(deadline time.Time) (int, error) {
	for _, c := range g.members.Snapshot() {
		c.lastSendRevents, c.lastRecvRevents = 0, 0
	}
	for {
		members := g.members.Snapshot()

		var wishes []wish
		for _, c := range members {
			if err := c.handleRevents(); err != nil {
				return -1, err
			}
			wishes = append(wishes, c.wishes()...)
		}

		if n := g.acceptable.Len() + g.readable.Len() + g.errored.Len(); n > 0 {
			return n, nil
		}

		pfds := make([]unix.PollFd, len(wishes))
		for i, w := range wishes {
			pfds[i] = unix.PollFd{Fd: int32(w.fd), Events: w.event}
		}
		n, err := ppollUntil(pfds, deadline)

		for _, c := range members {
			c.lastSendRevents, c.lastRecvRevents = 0, 0
		}
		for i, w := range wishes {
			if w.role == roleSend {
				w.conn.lastSendRevents = pfds[i].Revents
			} else {
				w.conn.lastRecvRevents = pfds[i].Revents
			}
		}

		if err != nil {
			if err == unix.EINTR {
				return 0, nil
			}
			return -1, err
		}
		if n == 0 {
			return 0, nil
		}
	}
}
