package chat_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/accord/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/accord/backend/internal/service/chat"
)

func TestServiceAppendAssignsIDAndTime(t *testing.T) {
	svc := chatservice.NewService()
	ctx := context.Background()

	stored, err := svc.Append(ctx, chat.Message{RoomKey: chat.DirectRoomKey(1, 2), SenderID: 1, Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.ID)
	require.False(t, stored.CreatedAt.IsZero())
}

func TestServiceAppendValidation(t *testing.T) {
	svc := chatservice.NewService()
	ctx := context.Background()

	_, err := svc.Append(ctx, chat.Message{SenderID: 1, Body: "hi"})
	require.ErrorIs(t, err, chatservice.ErrRoomRequired)

	_, err = svc.Append(ctx, chat.Message{RoomKey: chat.GroupRoomKey(1), Body: "hi"})
	require.ErrorIs(t, err, chatservice.ErrSenderRequired)
}

func TestServiceRecentHistoryRoundTripOrder(t *testing.T) {
	svc := chatservice.NewService()
	ctx := context.Background()
	room := chat.GroupRoomKey(7)

	var ids []int64
	for i := 0; i < 10; i++ {
		stored, err := svc.Append(ctx, chat.Message{RoomKey: room, SenderID: 1, Body: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		ids = append(ids, stored.ID)
		_, err = svc.Append(ctx, chat.Message{RoomKey: chat.GroupRoomKey(8), SenderID: 1, Body: "noise"})
		require.NoError(t, err)
	}

	history, err := svc.RecentHistory(ctx, room, 0)
	require.NoError(t, err)
	require.Len(t, history, 10)
	for i, msg := range history {
		require.Equal(t, ids[i], msg.ID)
		require.Equal(t, fmt.Sprintf("m%d", i), msg.Body)
	}

	tail, err := svc.RecentHistory(ctx, room, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"m7", "m8", "m9"}, []string{tail[0].Body, tail[1].Body, tail[2].Body})
}

func TestServiceRecentHistoryUnknownRoom(t *testing.T) {
	svc := chatservice.NewService()

	history, err := svc.RecentHistory(context.Background(), chat.GroupRoomKey(99), 5)
	require.NoError(t, err)
	require.Empty(t, history)
}
