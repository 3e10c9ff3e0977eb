package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotex/internal/models"
)

func sampleNotification(buyer, seller int64) models.Notification {
	return models.Notification{
		BuyerID:  buyer,
		SellerID: seller,
		Trade: models.TradeTerms{
			TradeID:   9,
			Symbol:    models.BTC,
			Price:     decimal.RequireFromString("100.00"),
			Amount:    decimal.RequireFromString("0.5"),
			USDVolume: decimal.RequireFromString("50.00"),
			FeeUSD:    decimal.RequireFromString("0.75"),
		},
		Orders: models.MatchedOrders{BuyOrderID: 1, SellOrderID: 2, BuyStatus: models.StatusFilled, SellStatus: models.StatusFilled},
	}
}

func TestHub_DeliversToBothParties(t *testing.T) {
	hub := NewHub([]string{"*"}, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := int64(1)
		if r.URL.Query().Get("user") == "2" {
			userID = 2
		}
		hub.Serve(userID, w, r)
	}))
	defer srv.Close()

	dial := func(user string) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		return conn
	}
	buyer := dial("1")
	defer buyer.Close()
	seller := dial("2")
	defer seller.Close()

	require.Eventually(t, func() bool {
		return hub.Connections(1) == 1 && hub.Connections(2) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), sampleNotification(1, 2)))

	for _, conn := range []*websocket.Conn{buyer, seller} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, EventOrderMatched, ev.Event)
		assert.Equal(t, int64(9), ev.Data.Trade.TradeID)
	}

	buyer.Close()
	require.Eventually(t, func() bool { return hub.Connections(1) == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	check := originChecker([]string{"https://spotex.example"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://spotex.example")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
}

func TestRedisNotifier(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	notifier := NewRedisNotifier(client, "test:")

	ctx := context.Background()
	sub := client.Subscribe(ctx, notifier.UserChannel(1), notifier.UserChannel(2))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, notifier.Notify(ctx, sampleNotification(1, 2)))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)
		got[msg.Channel] = true
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, int64(2), ev.Data.SellerID)
	}
	assert.Equal(t, map[string]bool{"test:user.1": true, "test:user.2": true}, got)
}

func TestRedisNotifier_SelfTradePublishesOnce(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	notifier := NewRedisNotifier(client, "")
	assert.Equal(t, "spotex:user.3", notifier.UserChannel(3))

	ctx := context.Background()
	sub := client.Subscribe(ctx, notifier.UserChannel(3))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, notifier.Notify(ctx, sampleNotification(3, 3)))
	_, err = sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	_, err = sub.ReceiveTimeout(ctx, 50*time.Millisecond)
	assert.Error(t, err, "only one message expected")
}

type stubPublisher struct {
	topic string
	key   string
	value any
	err   error
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.topic, s.key, s.value = topic, key, value
	return 0, 0, s.err
}

func (s *stubPublisher) Close() error { return nil }

func TestKafkaNotifier(t *testing.T) {
	pub := &stubPublisher{}
	notifier := NewKafkaNotifier(pub, "")

	require.NoError(t, notifier.Notify(context.Background(), sampleNotification(1, 2)))
	assert.Equal(t, models.TopicOrderMatched, pub.topic)
	assert.Equal(t, "9", pub.key)
	ev, ok := pub.value.(OrderMatchedEvent)
	require.True(t, ok)
	firstID := ev.EventID

	require.NoError(t, notifier.Notify(context.Background(), sampleNotification(1, 2)))
	assert.Equal(t, firstID, pub.value.(OrderMatchedEvent).EventID, "redelivery keeps the event id")

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event_type":"OrderMatched"`)
	assert.Contains(t, string(raw), `"buyer_id":1`)
}

type notifierFunc func(context.Context, models.Notification) error

func (f notifierFunc) Notify(ctx context.Context, n models.Notification) error { return f(ctx, n) }

func TestMulti(t *testing.T) {
	calls := 0
	ok := notifierFunc(func(context.Context, models.Notification) error { calls++; return nil })
	failing := notifierFunc(func(context.Context, models.Notification) error { calls++; return errors.New("down") })

	assert.NoError(t, Multi{ok, ok}.Notify(context.Background(), sampleNotification(1, 2)))
	err := Multi{failing, ok}.Notify(context.Background(), sampleNotification(1, 2))
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 4, calls)
}
