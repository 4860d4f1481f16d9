package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mysql-sync/internal/config"
	"github.com/MarcoPoloResearchLab/mysql-sync/internal/hub"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}
func (fakeToken) Error() error { return nil }

type publishedMessage struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu        sync.Mutex
	published []publishedMessage
}

var _ mqtt.Client = (*fakeClient)(nil)

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return fakeToken{} }
func (c *fakeClient) Disconnect(uint)        {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMessage{topic: topic, payload: payload.([]byte)})
	return fakeToken{}
}

func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return fakeToken{} }
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token       { return fakeToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)   {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) messages() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMessage(nil), c.published...)
}

const testEpochMillis = int64(1_700_000_000_000)

func newTestGateway(t *testing.T) (*Gateway, *hub.Hub, *fakeClient, *time.Time) {
	t.Helper()

	now := time.UnixMilli(testEpochMillis)
	client := &fakeClient{}
	events := hub.New()

	gateway, err := NewGateway(GatewayConfig{
		Hub:            events,
		MQTT:           config.MQTTConfig{BrokerURL: "tcp://localhost:1883"},
		ClientName:     "node-a",
		RemoteClients:  []string{"node-b", "node-c"},
		ReceiveTables:  []string{"users"},
		QueueDirectory: t.TempDir(),
		UpdateInterval: time.Second,
		Clock:          func() time.Time { return now },
		NewClient:      func(*mqtt.ClientOptions) mqtt.Client { return client },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return gateway, events, client, &now
}

func markPeerConnected(gateway *Gateway, peer string, now time.Time) {
	gateway.presence.Observe(peer, now.UnixMilli()+60_000)
}

func TestSendChangeToOfflinePeerIsQueuedNotPublished(t *testing.T) {
	gateway, events, client, _ := newTestGateway(t)

	event := hub.RemoteSend{
		Table:  "users",
		ID:     "u1",
		Entity: hub.Row{"id": "u1", "name": "x"},
		Peer:   "node-b",
	}
	if err := events.EmitRemoteSendChange(context.Background(), event); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	if got := len(client.messages()); got != 0 {
		t.Fatalf("expected nothing published to an offline peer, got %d messages", got)
	}
	peerQueue, err := gateway.peerQueue("node-b")
	if err != nil {
		t.Fatalf("unexpected queue error: %v", err)
	}
	buffered := peerQueue.Snapshot()
	if len(buffered) != 1 {
		t.Fatalf("expected one buffered message, got %d", len(buffered))
	}
	if buffered[0].Topic != "/change/node-b" {
		t.Fatalf("unexpected buffered topic %q", buffered[0].Topic)
	}
}

func TestSendChangeToConnectedPeerIsPublished(t *testing.T) {
	gateway, events, client, now := newTestGateway(t)
	markPeerConnected(gateway, "node-b", *now)

	event := hub.RemoteSend{
		Table:  "users",
		ID:     "u1",
		Entity: hub.Row{"id": "u1", "name": "x"},
		Peer:   "node-b",
	}
	if err := events.EmitRemoteSendChange(context.Background(), event); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	messages := client.messages()
	if len(messages) != 1 {
		t.Fatalf("expected one published message, got %d", len(messages))
	}
	if messages[0].topic != "/change/node-b" {
		t.Fatalf("unexpected topic %q", messages[0].topic)
	}

	var change hub.Change
	if err := json.Unmarshal(messages[0].payload, &change); err != nil {
		t.Fatalf("unexpected payload decode error: %v", err)
	}
	if change.Sender != "node-a" || change.Table != "users" || change.ID != "u1" {
		t.Fatalf("unexpected change on the wire: %#v", change)
	}
	if change.Date != testEpochMillis {
		t.Fatalf("expected change to be stamped with the current instant, got %d", change.Date)
	}
}

func TestConnectedInfoDrainsPeerQueueInOrder(t *testing.T) {
	gateway, events, client, _ := newTestGateway(t)

	for _, id := range []string{"u1", "u2"} {
		event := hub.RemoteSend{Table: "users", ID: id, Entity: hub.Row{"id": id}, Peer: "node-b"}
		if err := events.EmitRemoteSendChange(context.Background(), event); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}

	payload, err := encodeInfo("node-b", messageConnected, connectedArgs{Until: testEpochMillis + 60_000})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	gateway.dispatch(context.Background(), topicInfo, payload)

	messages := client.messages()
	if len(messages) != 2 {
		t.Fatalf("expected both buffered messages to be published, got %d", len(messages))
	}
	var first, second hub.Change
	if err := json.Unmarshal(messages[0].payload, &first); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if err := json.Unmarshal(messages[1].payload, &second); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if first.ID != "u1" || second.ID != "u2" {
		t.Fatalf("expected drain in enqueue order, got %s then %s", first.ID, second.ID)
	}

	peerQueue, err := gateway.peerQueue("node-b")
	if err != nil {
		t.Fatalf("unexpected queue error: %v", err)
	}
	if peerQueue.Len() != 0 {
		t.Fatalf("expected peer queue to be drained")
	}
}

func TestConnectionLostForgetsPeer(t *testing.T) {
	gateway, _, _, now := newTestGateway(t)
	markPeerConnected(gateway, "node-b", *now)

	payload, err := encodeInfo("node-b", messageConnectionLost, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	gateway.dispatch(context.Background(), topicInfo, payload)

	if gateway.presence.Connected("node-b", *now) {
		t.Fatalf("expected peer to be forgotten after connection_lost")
	}
}

func TestPresenceExpiresByWallClock(t *testing.T) {
	gateway, _, _, now := newTestGateway(t)
	gateway.presence.Observe("node-b", now.UnixMilli()+1000)

	if !gateway.presence.Connected("node-b", *now) {
		t.Fatalf("expected peer to be connected before expiry")
	}
	later := now.Add(2 * time.Second)
	if gateway.presence.Connected("node-b", later) {
		t.Fatalf("expected peer to be disconnected after expiry")
	}
}

func TestInboundChangeEmitsRemoteChange(t *testing.T) {
	gateway, events, _, _ := newTestGateway(t)

	var received []hub.Change
	events.OnRemoteChange(func(_ context.Context, change hub.Change) error {
		received = append(received, change)
		return nil
	})

	change := hub.Change{
		Sender: "node-b",
		Table:  "users",
		ID:     "u1",
		Date:   testEpochMillis,
		Entity: hub.Row{"id": "u1"},
	}
	payload, err := json.Marshal(change)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	gateway.dispatch(context.Background(), "/change/node-a", payload)

	if len(received) != 1 || received[0].ID != "u1" {
		t.Fatalf("expected remote-change emission, got %#v", received)
	}
}

func TestInboundChangeForUnconfiguredTableIsRejected(t *testing.T) {
	gateway, events, client, _ := newTestGateway(t)

	var received []hub.Change
	events.OnRemoteChange(func(_ context.Context, change hub.Change) error {
		received = append(received, change)
		return nil
	})

	change := hub.Change{
		Sender: "node-b",
		Table:  "secrets",
		ID:     "s1",
		Date:   testEpochMillis,
		Entity: hub.Row{"id": "s1"},
	}
	payload, err := json.Marshal(change)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	gateway.dispatch(context.Background(), "/change/node-a", payload)

	if len(received) != 0 {
		t.Fatalf("expected no remote-change for an unconfigured table")
	}

	messages := client.messages()
	if len(messages) != 1 || messages[0].topic != "/info/node-b" {
		t.Fatalf("expected error feedback to the sender, got %#v", messages)
	}
	envelope, err := decodeInfo(messages[0].payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if envelope.Message != messageError {
		t.Fatalf("expected an error info, got %q", envelope.Message)
	}
}

func TestOwnFramesAreIgnored(t *testing.T) {
	gateway, events, _, _ := newTestGateway(t)

	var received []hub.Change
	events.OnRemoteChange(func(_ context.Context, change hub.Change) error {
		received = append(received, change)
		return nil
	})

	change := hub.Change{Sender: "node-a", Table: "users", ID: "u1", Date: testEpochMillis}
	payload, err := json.Marshal(change)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	gateway.dispatch(context.Background(), "/change/node-a", payload)

	if len(received) != 0 {
		t.Fatalf("expected own frames to be dropped")
	}
}

func TestDataReceivedEmitsSuccessfulStatus(t *testing.T) {
	gateway, events, _, _ := newTestGateway(t)

	var statuses []hub.StatusChange
	events.OnRemoteStatusChange(func(_ context.Context, status hub.StatusChange) error {
		statuses = append(statuses, status)
		return nil
	})

	payload, err := encodeInfo("node-b", messageDataReceived, receivedArgs{
		Table: "users", ID: "u1", Date: testEpochMillis,
	})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	gateway.dispatch(context.Background(), "/info/node-a", payload)

	if len(statuses) != 1 {
		t.Fatalf("expected one status change, got %d", len(statuses))
	}
	if statuses[0].Status != hub.StatusSuccessful || statuses[0].Sender != "node-b" {
		t.Fatalf("unexpected status change: %#v", statuses[0])
	}
}

func TestErrorInfoEmitsErrorStatus(t *testing.T) {
	gateway, events, _, _ := newTestGateway(t)

	var statuses []hub.StatusChange
	events.OnRemoteStatusChange(func(_ context.Context, status hub.StatusChange) error {
		statuses = append(statuses, status)
		return nil
	})

	payload, err := encodeInfo("node-b", messageError, errorArgs{
		Table: "users", ID: "u1", Date: testEpochMillis, Message: "apply failed",
	})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	gateway.dispatch(context.Background(), "/info/node-a", payload)

	if len(statuses) != 1 {
		t.Fatalf("expected one status change, got %d", len(statuses))
	}
	if statuses[0].Status != hub.StatusError || statuses[0].Message != "apply failed" {
		t.Fatalf("unexpected status change: %#v", statuses[0])
	}
}

func TestMalformedFramesAreDroppedSilently(t *testing.T) {
	gateway, events, client, _ := newTestGateway(t)

	var received []hub.Change
	events.OnRemoteChange(func(_ context.Context, change hub.Change) error {
		received = append(received, change)
		return nil
	})

	gateway.dispatch(context.Background(), "/change/node-a", []byte("{not json"))
	gateway.dispatch(context.Background(), topicInfo, []byte(`{"sender":"","message":"connected"}`))

	if len(received) != 0 {
		t.Fatalf("expected malformed frames to be dropped")
	}
	if len(client.messages()) != 0 {
		t.Fatalf("expected no feedback for malformed frames")
	}
}

func TestTickPublishesPresenceWithGrace(t *testing.T) {
	gateway, _, client, _ := newTestGateway(t)

	gateway.Tick(context.Background())

	messages := client.messages()
	if len(messages) != 1 || messages[0].topic != topicInfo {
		t.Fatalf("expected one presence announcement, got %#v", messages)
	}
	envelope, err := decodeInfo(messages[0].payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if envelope.Message != messageConnected || envelope.Sender != "node-a" {
		t.Fatalf("unexpected presence envelope: %#v", envelope)
	}
	args, err := decodeConnectedArgs(envelope.Args)
	if err != nil {
		t.Fatalf("unexpected args decode error: %v", err)
	}
	wantUntil := testEpochMillis + 2*1000 + presenceGraceMillis
	if args.Until != wantUntil {
		t.Fatalf("expected until %d, got %d", wantUntil, args.Until)
	}

	// The next tick inside the scheduling window stays silent.
	gateway.Tick(context.Background())
	if len(client.messages()) != 1 {
		t.Fatalf("expected no second announcement before the window elapses")
	}
}

func TestSaveOutcomesProduceFeedbackToOriginalSender(t *testing.T) {
	gateway, events, client, now := newTestGateway(t)
	markPeerConnected(gateway, "node-b", *now)

	info := hub.ChangeInfo{Sender: "node-b", Table: "users", ID: "u1", Date: testEpochMillis}
	if err := events.EmitLocalSaveSuccessful(context.Background(), info); err != nil {
		t.Fatalf("unexpected emit error: %v", err)
	}
	if err := events.EmitLocalSaveFailed(context.Background(), hub.ChangeError{
		ChangeInfo: info,
		Message:    "apply failed",
	}); err != nil {
		t.Fatalf("unexpected emit error: %v", err)
	}

	messages := client.messages()
	if len(messages) != 2 {
		t.Fatalf("expected two feedback messages, got %d", len(messages))
	}
	for _, message := range messages {
		if message.topic != "/info/node-b" {
			t.Fatalf("expected feedback on /info/node-b, got %q", message.topic)
		}
	}
	first, err := decodeInfo(messages[0].payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	second, err := decodeInfo(messages[1].payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if first.Message != messageDataReceived || second.Message != messageError {
		t.Fatalf("unexpected feedback kinds: %q then %q", first.Message, second.Message)
	}
}
