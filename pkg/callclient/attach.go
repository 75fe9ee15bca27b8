package callclient

import (
	"context"
	"fmt"
)

// MediaAttacher connects to the external media channel described by d.
type MediaAttacher interface {
	Attach(ctx context.Context, d JoinDescriptor) error
}

type AttacherFunc func(ctx context.Context, d JoinDescriptor) error

func (f AttacherFunc) Attach(ctx context.Context, d JoinDescriptor) error { return f(ctx, d) }

// Call is a joined call with its running event watcher.
type Call struct {
	Descriptor JoinDescriptor
	Watcher    *Watcher
}

// JoinAndAttach joins the call, starts watching events from the returned
// events_cursor, and only then attaches media. An end notification raised
// while media is connecting is therefore never missed.
func (c *Client) JoinAndAttach(ctx context.Context, appointmentID, channelName string, attacher MediaAttacher, handle func(Event)) (*Call, error) {
	d, err := c.JoinCall(ctx, appointmentID, channelName)
	if err != nil {
		return nil, err
	}

	w := NewWatcher(c, d.EventsCursor, handle)
	w.Start(ctx)

	if err := attacher.Attach(ctx, d); err != nil {
		w.Stop()
		return nil, fmt.Errorf("callclient: attach media: %w", err)
	}
	return &Call{Descriptor: d, Watcher: w}, nil
}
