package handler

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"groupchat/protocol"
)

type MessageLister interface {
	ListChannel(ctx context.Context, channel string, limit int) ([]protocol.Message, error)
}

type RoomLister interface {
	List(ctx context.Context) ([]string, error)
}

// HandleMessages serves recent messages of a public room. DM channels are
// only readable over the websocket.
func HandleMessages(store MessageLister, maxLimit int, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		room := q.Get("room")
		if err := protocol.ValidateRoomName(room); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		limit := maxLimit
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxLimit)
		}

		msgs, err := store.ListChannel(r.Context(), room, limit)
		if err != nil {
			log.Error("list messages", zap.String("room", room), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "could not load messages")
			return
		}
		if msgs == nil {
			msgs = []protocol.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func HandleRooms(rooms RoomLister, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := rooms.List(r.Context())
		if err != nil {
			log.Error("list rooms", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "could not load rooms")
			return
		}
		writeJSON(w, http.StatusOK, names)
	}
}
