package router

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"groupchat/protocol"
)

// Join registers connID under username and joins the auto-join rooms. A
// repeated user_join replaces the profile and starts over with no rooms and
// no typing state.
func (r *Router) Join(ctx context.Context, connID, username, avatar string) error {
	prev, existed := r.registry.Lookup(connID)
	if existed {
		r.presence.Purge(connID)
	}
	p := r.registry.Register(connID, username, avatar)
	if existed {
		for _, room := range prev.JoinedRooms {
			r.presence.BroadcastRoomUsers(room)
		}
	} else {
		r.metrics.Users.Inc()
	}
	r.log.Info("user online", zap.String("conn", connID), zap.String("username", p.Username))
	r.presence.UserOnline(p)

	for _, room := range r.opts.AutoJoin {
		if err := r.JoinRoom(ctx, connID, room); err != nil {
			return fmt.Errorf("auto-join %s: %w", room, err)
		}
	}
	return nil
}

// JoinRoom ensures the room exists and adds connID to it. Joining twice only
// repeats the ack.
func (r *Router) JoinRoom(ctx context.Context, connID, name string) error {
	p, err := r.profile(connID)
	if err != nil {
		return err
	}
	_, created, err := r.rooms.Ensure(ctx, name)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidInput) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if created {
		r.broadcastRoomList(ctx)
	}

	joined := r.registry.Join(connID, name)
	r.emit.Send(connID, &protocol.JoinedRoom{Room: name})
	if !joined {
		return nil
	}
	r.systemMessage(name, p.Username+" joined the room")
	r.presence.BroadcastRoomUsers(name)
	return nil
}

// LeaveRoom removes connID from the room and clears its typing state there.
func (r *Router) LeaveRoom(_ context.Context, connID, name string) error {
	p, err := r.profile(connID)
	if err != nil {
		return err
	}
	left := r.registry.Leave(connID, name)
	r.presence.ClearTyping(connID, name)
	r.emit.Send(connID, &protocol.LeftRoom{Room: name})
	if !left {
		return nil
	}
	r.systemMessage(name, p.Username+" left the room")
	r.presence.BroadcastRoomUsers(name)
	return nil
}

func (r *Router) broadcastRoomList(ctx context.Context) {
	rooms, err := r.rooms.List(ctx)
	if err != nil {
		r.log.Error("list rooms", zap.Error(err))
		return
	}
	r.emit.SendAll(&protocol.RoomList{Rooms: rooms})
}
