package router

import (
	"context"
	"errors"
	"fmt"

	"groupchat/protocol"
	"groupchat/server/store"
)

// React adds the sender's username to the reaction set. Unknown ids and
// repeated reactions change nothing and emit nothing.
func (r *Router) React(ctx context.Context, connID, messageID, symbol string) error {
	p, err := r.profile(connID)
	if err != nil {
		return err
	}
	m, err := r.visible(ctx, connID, messageID)
	if err != nil || m == nil {
		return err
	}
	updated, changed, err := r.store.AddReaction(ctx, messageID, symbol, p.Username)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if !changed {
		return nil
	}
	r.emit.SendMany(r.presence.Audience(updated.ChannelKey), &protocol.ReactionUpdated{
		MessageID:  updated.ID,
		ChannelKey: updated.ChannelKey,
		Reaction:   symbol,
		User:       p.Username,
		Reactions:  updated.Reactions,
	})
	return nil
}

// MarkRead adds the sender's username to readBy and tells the channel.
func (r *Router) MarkRead(ctx context.Context, connID, messageID string) error {
	p, err := r.profile(connID)
	if err != nil {
		return err
	}
	m, err := r.visible(ctx, connID, messageID)
	if err != nil || m == nil {
		return err
	}
	updated, changed, err := r.store.AddReader(ctx, messageID, p.Username)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if !changed {
		return nil
	}
	r.emit.SendMany(r.presence.Audience(updated.ChannelKey), &protocol.ReadReceiptUpdated{
		MessageID:  updated.ID,
		ChannelKey: updated.ChannelKey,
		User:       p.Username,
		ReadBy:     updated.ReadBy,
	})
	return nil
}

// visible loads a message connID may see. It returns nil, nil for unknown ids.
func (r *Router) visible(ctx context.Context, connID, messageID string) (*protocol.Message, error) {
	m, err := r.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", messageID, err)
	}
	if !r.canSee(connID, m.ChannelKey) {
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, m.ChannelKey)
	}
	return &m, nil
}

// SetTyping updates the typing set of a room the sender joined or a DM it
// takes part in.
func (r *Router) SetTyping(connID, channel string, isTyping bool) error {
	p, err := r.profile(connID)
	if err != nil {
		return err
	}
	member := r.registry.IsMember(connID, channel)
	if protocol.IsDMKey(channel) {
		member = protocol.HasParticipant(channel, connID)
	}
	if !member {
		return fmt.Errorf("%w: %s", ErrNotJoined, channel)
	}
	r.presence.SetTyping(connID, p.Username, channel, isTyping)
	return nil
}

// RecentMessages sends the newest messages of channel, oldest first.
func (r *Router) RecentMessages(ctx context.Context, connID, channel string, limit int) error {
	if _, err := r.profile(connID); err != nil {
		return err
	}
	if !r.canSee(connID, channel) {
		return fmt.Errorf("%w: %s", ErrNotJoined, channel)
	}
	if limit <= 0 || limit > r.opts.HistoryLimit {
		limit = r.opts.HistoryLimit
	}
	msgs, err := r.store.ListChannel(ctx, channel, limit)
	if err != nil {
		return fmt.Errorf("history %s: %w", channel, err)
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	r.emit.Send(connID, &protocol.RecentMessages{Room: channel, Messages: msgs})
	return nil
}
