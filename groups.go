package backplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonoton/go-backplane/bus"
)

// AddToGroup adds the connection to group. Local connections are updated
// directly; for any other id a group command is sent to the process that owns
// it. Remote commands are best-effort: a missing acknowledgement is logged and
// not returned.
func (h *Hub) AddToGroup(ctx context.Context, connectionID, group string) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if err := requireNonEmpty("connection id", connectionID, "group", group); err != nil {
		return err
	}

	if s, ok := h.store.Get(connectionID); ok {
		return h.addGroupLocal(ctx, s, group)
	}
	h.sendGroupCommand(ctx, connectionID, group, GroupActionAdd)
	return nil
}

// RemoveFromGroup is the inverse of AddToGroup.
func (h *Hub) RemoveFromGroup(ctx context.Context, connectionID, group string) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if err := requireNonEmpty("connection id", connectionID, "group", group); err != nil {
		return err
	}

	if s, ok := h.store.Get(connectionID); ok {
		return h.removeGroupLocal(ctx, s, group)
	}
	h.sendGroupCommand(ctx, connectionID, group, GroupActionRemove)
	return nil
}

// membershipKey names the lock held across both halves of a membership
// change, so the group set and the subscription never disagree.
func membershipKey(s *Session, topic string) string {
	return "membership:" + s.ID() + "-" + topic
}

func (h *Hub) addGroupLocal(ctx context.Context, s *Session, group string) error {
	topic := h.topics.Group(group)

	unlock, err := h.locks.Lock(ctx, membershipKey(s, topic))
	if err != nil {
		return err
	}
	defer unlock()

	if !s.addGroup(group) {
		return nil
	}
	_, err = h.groups.Add(ctx, topic, s, func(lifetime context.Context, subscribers *SessionSet) error {
		return h.openTopic(lifetime, topic, h.groupHandler(subscribers))
	})
	if err != nil {
		s.removeGroup(group)
		return err
	}
	h.log.Debug().Str("connection", s.ID()).Str("group", group).Msg("joined group")
	return nil
}

func (h *Hub) removeGroupLocal(ctx context.Context, s *Session, group string) error {
	topic := h.topics.Group(group)

	unlock, err := h.locks.Lock(ctx, membershipKey(s, topic))
	if err != nil {
		return err
	}
	defer unlock()

	if err := h.groups.Remove(ctx, topic, s); err != nil {
		return err
	}
	if s.removeGroup(group) {
		h.log.Debug().Str("connection", s.ID()).Str("group", group).Msg("left group")
	}
	return nil
}

// sendGroupCommand asks the other processes to apply a membership change and
// waits for the owner's acknowledgement.
func (h *Hub) sendGroupCommand(ctx context.Context, connectionID, group string, action GroupAction) {
	cmd := &GroupCommand{
		ID:           h.nextCommandID.Add(1),
		ServerName:   h.serverName,
		Action:       action,
		Group:        group,
		ConnectionID: connectionID,
	}
	log := h.log.With().
		Uint64("command", cmd.ID).
		Stringer("action", action).
		Str("group", group).
		Str("connection", connectionID).
		Logger()

	data, err := EncodeGroupCommand(cmd)
	if err != nil {
		log.Error().Err(err).Msg("encoding group command")
		return
	}

	rctx, cancel := context.WithTimeout(ctx, h.opt.GroupCommandTimeout)
	defer cancel()

	log.Debug().Str("topic", h.topics.GroupManagement()).Msg("sending group command")
	reply, err := h.bus.Request(rctx, h.topics.GroupManagement(), data)
	switch {
	case err == nil:
	case errors.Is(err, bus.ErrNoReply), errors.Is(err, context.DeadlineExceeded):
		log.Warn().Err(fmt.Errorf("%w: %w", ErrRPCTimeout, err)).Msg("ack timed out")
		return
	default:
		h.markBusUnhealthy(err)
		log.Error().Err(fmt.Errorf("%w: %w", ErrBusUnavailable, err)).Msg("sending group command failed")
		return
	}
	if id, err := decodeAck(reply); err != nil || id != cmd.ID {
		log.Warn().Err(err).Bytes("reply", reply).Msg("unexpected group command ack")
		return
	}
	log.Debug().Msg("group command acknowledged")
}

// handleGroupCommand applies commands addressed to local connections and
// acknowledges them. Commands for connections held elsewhere are ignored,
// so the requester times out when no process owns the connection.
func (h *Hub) handleGroupCommand(ctx context.Context, msg *bus.Message) {
	cmd, err := DecodeGroupCommand(msg.Data)
	if err != nil {
		h.log.Error().Err(err).Str("topic", msg.Topic).Msg("dropping undecodable group command")
		return
	}
	log := h.log.With().
		Uint64("command", cmd.ID).
		Str("from", cmd.ServerName).
		Stringer("action", cmd.Action).
		Str("group", cmd.Group).
		Str("connection", cmd.ConnectionID).
		Logger()

	s, ok := h.store.Get(cmd.ConnectionID)
	if !ok {
		log.Debug().Msg("connection not on this server")
		return
	}

	switch cmd.Action {
	case GroupActionAdd:
		err = h.addGroupLocal(ctx, s, cmd.Group)
	case GroupActionRemove:
		err = h.removeGroupLocal(ctx, s, cmd.Group)
	}
	if err != nil {
		log.Error().Err(err).Msg("applying group command")
		return
	}

	if err := h.bus.Reply(ctx, msg, encodeAck(cmd.ID)); err != nil {
		log.Error().Err(err).Msg("sending group command ack")
		return
	}
	log.Debug().Str("reply_to", msg.ReplyTo).Msg("group command applied")
}
