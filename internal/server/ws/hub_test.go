package ws

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/condmarket/internal/domain"
)

func readFrame(t *testing.T, conn *websocket.Conn) *structpb.Struct {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	var s structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &s))
	return &s
}

func TestHub_StreamsEventsAsProtobuf(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readFrame(t, conn)
	assert.Equal(t, "hub_status", hello.Fields["type"].GetStringValue())

	ev := domain.MarketEvent{
		ID:                    uuid.New(),
		Kind:                  domain.EventMarketSettled,
		MarketID:              5,
		Caller:                common.HexToAddress("0xa0"),
		Outcome:               domain.OutcomeB,
		TotalCollateralLocked: 18446744073709551615,
		At:                    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, hub.PublishEvent(ctx, ev))

	got := readFrame(t, conn)
	assert.Equal(t, "market_event", got.Fields["type"].GetStringValue())
	assert.Equal(t, "market_settled", got.Fields["kind"].GetStringValue())
	assert.Equal(t, float64(5), got.Fields["market_id"].GetNumberValue())
	assert.Equal(t, "B", got.Fields["outcome"].GetStringValue())
	assert.Equal(t, "18446744073709551615", got.Fields["total_collateral_locked"].GetStringValue())
	assert.Equal(t, ev.ID.String(), got.Fields["id"].GetStringValue())
}

func TestClient_MarketFilter(t *testing.T) {
	c := &client{markets: make(map[uint32]bool)}
	assert.True(t, c.wants(1), "no filter receives everything")

	c.handleSubscription(subscribeMsg{Action: "subscribe", Markets: []uint32{2, 3}})
	assert.False(t, c.wants(1))
	assert.True(t, c.wants(2))

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Markets: []uint32{2, 3}})
	assert.True(t, c.wants(1))
}

func TestEncodeEvent_OmitsOutcomeWhenUnset(t *testing.T) {
	frame, err := EncodeEvent(domain.MarketEvent{Kind: domain.EventSplit, Amount: 7})
	require.NoError(t, err)
	var s structpb.Struct
	require.NoError(t, proto.Unmarshal(frame, &s))
	_, ok := s.Fields["outcome"]
	assert.False(t, ok)
	assert.Equal(t, "7", s.Fields["amount"].GetStringValue())
}

func TestHub_PublishAfterStopDoesNotBlock(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	for i := 0; i < 300; i++ {
		require.NoError(t, hub.PublishEvent(context.Background(), domain.MarketEvent{Kind: domain.EventSplit}))
	}
}
