package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"groupchat/protocol"
)

type wrapFunc func(protocol.MessagePayload) protocol.Outbound

func roomText(p protocol.MessagePayload) protocol.Outbound {
	return &protocol.MessageReceived{MessagePayload: p}
}

func roomFile(p protocol.MessagePayload) protocol.Outbound {
	return &protocol.FileReceived{MessagePayload: p}
}

func direct(p protocol.MessagePayload) protocol.Outbound {
	return &protocol.PrivateMessageReceived{MessagePayload: p}
}

// SendRoomMessage persists a text message in room and fans it out to every
// member, the sender included.
func (r *Router) SendRoomMessage(ctx context.Context, connID, room, body, tempID string) error {
	p, err := r.profile(connID)
	if err != nil {
		return err
	}
	if err := r.checkRoom(ctx, connID, room); err != nil {
		return err
	}
	m := newMessage(p, room, protocol.KindText)
	m.Body = &body
	_, err = r.publish(ctx, p, m, tempID, r.registry.Members(room), roomText)
	return err
}

// SendDirectMessage persists a DM and delivers it to both participants. When
// the recipient is offline only the sender gets the message, followed by an
// unknown_recipient error naming the saved message.
func (r *Router) SendDirectMessage(ctx context.Context, connID, to string, content protocol.PrivateContent, tempID string) error {
	p, err := r.profile(connID)
	if err != nil {
		return err
	}
	key, err := protocol.ChannelKey(connID, to)
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrInvalidInput, err)
	}
	m := newMessage(p, key, content.Type)
	m.DMKey = key
	m.IsPrivate = true
	m.ReceiverID = to
	if content.Type == protocol.KindFile {
		m.Attachment = &protocol.Attachment{URL: content.URL, FileName: content.FileName}
	} else {
		body := content.Body
		m.Body = &body
	}

	_, online := r.registry.Lookup(to)
	saved, err := r.publish(ctx, p, m, tempID, r.presence.Audience(key), direct)
	if err != nil {
		return err
	}
	if !online {
		return &Error{Err: ErrUnknownRecipient, TempID: tempID, MessageID: saved.ID}
	}
	return nil
}

// SendFile publishes an uploaded attachment to a room or, when private, to a
// DM recipient.
func (r *Router) SendFile(ctx context.Context, connID string, ev *protocol.SendFile) error {
	if ev.IsPrivate {
		return r.SendDirectMessage(ctx, connID, ev.ReceiverID, protocol.PrivateContent{
			Type:     protocol.KindFile,
			URL:      ev.URL,
			FileName: ev.FileName,
		}, ev.TempID)
	}
	p, err := r.profile(connID)
	if err != nil {
		return err
	}
	if err := r.checkRoom(ctx, connID, ev.Room); err != nil {
		return err
	}
	m := newMessage(p, ev.Room, protocol.KindFile)
	m.Attachment = &protocol.Attachment{URL: ev.URL, FileName: ev.FileName}
	_, err = r.publish(ctx, p, m, ev.TempID, r.registry.Members(ev.Room), roomFile)
	return err
}

// checkRoom enforces membership, or makes sure the room exists when
// membership is not required.
func (r *Router) checkRoom(ctx context.Context, connID, room string) error {
	if r.registry.IsMember(connID, room) {
		return nil
	}
	if r.opts.RequireMembership {
		return fmt.Errorf("%w: %s", ErrNotJoined, room)
	}
	if r.rooms.Exists(room) {
		return nil
	}
	_, created, err := r.rooms.Ensure(ctx, room)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidInput) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if created {
		r.broadcastRoomList(ctx)
	}
	return nil
}

func newMessage(p protocol.UserProfile, channel, kind string) protocol.Message {
	return protocol.Message{
		ChannelKey:   channel,
		Kind:         kind,
		SenderID:     p.ID,
		SenderName:   p.Username,
		SenderAvatar: p.Avatar,
		ReadBy:       []string{},
		Reactions:    map[string][]string{},
	}
}

// publish assigns an id and timestamp, persists m and fans it out to audience.
// Only the sender's copy carries tempID. The sender always gets its own copy
// and the delivery ack.
func (r *Router) publish(ctx context.Context, sender protocol.UserProfile, m protocol.Message, tempID string, audience []string, wrap wrapFunc) (protocol.Message, error) {
	unlock := r.lockChannel(m.ChannelKey)
	defer unlock()

	m.ID = r.newID()
	m.Timestamp = r.now()

	start := time.Now()
	persistErr := r.store.CreateMessage(ctx, m)
	r.metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if persistErr != nil {
		r.metrics.PersistFailures.Inc()
		r.log.Error("persist message",
			zap.String("id", m.ID),
			zap.String("channel", m.ChannelKey),
			zap.Bool("fanout", r.opts.FanoutOnPersistFailure),
			zap.Error(persistErr))
		if !r.opts.FanoutOnPersistFailure {
			return m, fmt.Errorf("%w: %w", ErrPersistence, persistErr)
		}
	}

	others := make([]string, 0, len(audience))
	for _, id := range audience {
		if id != sender.ID {
			others = append(others, id)
		}
	}
	r.emit.SendMany(others, wrap(protocol.MessagePayload{Message: m}))
	r.emit.Send(sender.ID, wrap(protocol.MessagePayload{Message: m, TempID: tempID}))

	if persistErr == nil {
		if err := r.store.MarkDelivered(ctx, m.ID, r.now()); err != nil {
			r.log.Warn("mark delivered", zap.String("id", m.ID), zap.Error(err))
		}
	}
	r.emit.Send(sender.ID, &protocol.MessageDelivered{MessageID: m.ID, TempID: tempID})
	return m, nil
}
