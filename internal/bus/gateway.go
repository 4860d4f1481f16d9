// Package bus owns the MQTT side of the pipeline: the broker session with
// its will message and persistent in-flight stores, the presence protocol,
// inbound frame decoding and the per-peer offline queues that buffer
// messages for absent peers.
package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/MarcoPoloResearchLab/mysql-sync/internal/config"
	"github.com/MarcoPoloResearchLab/mysql-sync/internal/hub"
	"github.com/MarcoPoloResearchLab/mysql-sync/internal/queue"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	incomingQueueFile = "mqtt-incoming.json"
	outgoingQueueFile = "mqtt-outgoing.json"

	// presenceGraceMillis pads the announced liveness window so peers never
	// time out between two on-schedule updates under normal jitter.
	presenceGraceMillis = 2000

	messageTableNotAccepted = "Table is not configured to receive changes"
)

// outboundMessage is one buffered publication for an offline peer.
type outboundMessage struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// GatewayConfig configures the bus gateway.
type GatewayConfig struct {
	Hub            *hub.Hub
	MQTT           config.MQTTConfig
	ClientName     string
	RemoteClients  []string
	ReceiveTables  []string
	QueueDirectory string
	UpdateInterval time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
	// NewClient overrides bus client construction. Tests swap in a fake.
	NewClient func(*mqtt.ClientOptions) mqtt.Client
}

// Gateway is the bus side of the replication pipeline.
type Gateway struct {
	events         *hub.Hub
	client         mqtt.Client
	self           string
	receiveTables  map[string]bool
	queueDirectory string
	updateInterval time.Duration
	logger         *zap.Logger
	clock          func() time.Time

	ctx              context.Context
	presence         *presenceMap
	peerQueues       map[string]*queue.Queue[outboundMessage]
	nextActiveUpdate int64
}

// NewGateway builds the bus session (will message, persistent stores,
// resubscription) and registers the gateway's listeners on the hub. The
// session is not opened until Start.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Hub == nil {
		return nil, errMissingHub
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newClient := cfg.NewClient
	if newClient == nil {
		newClient = mqtt.NewClient
	}

	incoming, err := queue.Open[storedPacket](filepath.Join(cfg.QueueDirectory, incomingQueueFile))
	if err != nil {
		return nil, err
	}
	outgoing, err := queue.Open[storedPacket](filepath.Join(cfg.QueueDirectory, outgoingQueueFile))
	if err != nil {
		return nil, err
	}

	receiveTables := make(map[string]bool, len(cfg.ReceiveTables))
	for _, table := range cfg.ReceiveTables {
		receiveTables[table] = true
	}

	gateway := &Gateway{
		events:         cfg.Hub,
		self:           cfg.ClientName,
		receiveTables:  receiveTables,
		queueDirectory: cfg.QueueDirectory,
		updateInterval: cfg.UpdateInterval,
		logger:         log,
		clock:          clock,
		ctx:            context.Background(),
		presence:       newPresenceMap(),
		peerQueues:     make(map[string]*queue.Queue[outboundMessage]),
	}

	willPayload, err := encodeInfo(cfg.ClientName, messageConnectionLost, map[string]any{})
	if err != nil {
		return nil, err
	}

	options := mqtt.NewClientOptions().
		AddBroker(cfg.MQTT.BrokerURL).
		SetClientID(fmt.Sprintf("%s-%s", cfg.ClientName, uuid.NewString())).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetResumeSubs(true).
		SetOrderMatters(true).
		SetStore(newQueueStore(incoming, outgoing, log)).
		SetBinaryWill(topicInfo, willPayload, 1, false).
		SetOnConnectHandler(gateway.subscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("bus connection lost", zap.Error(err))
		})
	if cfg.MQTT.Username != "" {
		options.SetUsername(cfg.MQTT.Username)
		options.SetPassword(cfg.MQTT.Password)
	}
	tlsConfig, err := tlsConfigFrom(cfg.MQTT)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		options.SetTLSConfig(tlsConfig)
	}

	gateway.client = newClient(options)

	cfg.Hub.OnRemoteSendChange(gateway.sendChange)
	cfg.Hub.OnLocalSaveSuccessful(gateway.sendReceived)
	cfg.Hub.OnLocalSaveFailed(gateway.sendError)

	return gateway, nil
}

// Start opens the broker session. The client retries in the background until
// the broker accepts, so a down broker does not block daemon startup.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx = ctx
	g.client.Connect()
}

// Close announces a graceful departure and tears the session down. The will
// message stays reserved for ungraceful loss.
func (g *Gateway) Close() {
	if payload, err := encodeInfo(g.self, messageConnectionLost, map[string]any{}); err == nil {
		token := g.client.Publish(topicInfo, 1, false, payload)
		token.WaitTimeout(time.Second)
	}
	g.client.Disconnect(250)
}

// Connected reports whether the broker session is up.
func (g *Gateway) Connected() bool { return g.client.IsConnected() }

// Peers returns the current presence map (peer name to expiry millis).
func (g *Gateway) Peers() map[string]int64 { return g.presence.Snapshot() }

// PublishRaw publishes an arbitrary payload, used by transformers for
// side-channel lookups. It bypasses presence tracking and offline queues.
func (g *Gateway) PublishRaw(topic string, payload []byte) {
	g.client.Publish(topic, 0, false, payload)
}

func (g *Gateway) subscribe(client mqtt.Client) {
	g.logger.Info("bus connected", zap.String("client", g.self))
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		topic := msg.Topic()
		payload := append([]byte(nil), msg.Payload()...)
		g.events.Do(func() { g.dispatch(g.ctx, topic, payload) })
	}
	for _, topic := range []string{topicInfo, infoTopic(g.self), changeTopic(g.self)} {
		if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			g.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

// Tick publishes the periodic presence announcement once the previous one is
// due for renewal.
func (g *Gateway) Tick(ctx context.Context) {
	now := g.clock().UnixMilli()
	if now < g.nextActiveUpdate {
		return
	}
	interval := g.updateInterval.Milliseconds()
	until := now + 2*interval + presenceGraceMillis
	payload, err := encodeInfo(g.self, messageConnected, connectedArgs{Until: until})
	if err != nil {
		g.logger.Error("presence encode failed", zap.Error(err))
		return
	}
	g.client.Publish(topicInfo, 1, false, payload)
	g.nextActiveUpdate = now + interval + presenceGraceMillis
}

// publish delivers payload to topic, or buffers it on the peer's durable
// queue when the addressed peer is not presently connected.
func (g *Gateway) publish(topic string, payload []byte, remotePeer string) error {
	if remotePeer != "" && !g.presence.Connected(remotePeer, g.clock()) {
		peerQueue, err := g.peerQueue(remotePeer)
		if err != nil {
			return err
		}
		return peerQueue.Push(outboundMessage{Topic: topic, Payload: payload})
	}
	g.client.Publish(topic, 0, false, payload)
	return nil
}

// peerQueue lazily opens the durable offline queue for a peer.
func (g *Gateway) peerQueue(peer string) (*queue.Queue[outboundMessage], error) {
	if existing, ok := g.peerQueues[peer]; ok {
		return existing, nil
	}
	opened, err := queue.Open[outboundMessage](filepath.Join(g.queueDirectory, "remote-"+peer+".json"))
	if err != nil {
		return nil, err
	}
	g.peerQueues[peer] = opened
	return opened, nil
}

// drainPeerQueue replays buffered messages for a peer in order, stopping as
// soon as the peer's presence lapses.
func (g *Gateway) drainPeerQueue(peer string) {
	peerQueue, err := g.peerQueue(peer)
	if err != nil {
		g.logger.Error("peer queue open failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	for g.presence.Connected(peer, g.clock()) {
		buffered, ok, err := peerQueue.Poll()
		if err != nil {
			g.logger.Error("peer queue poll failed", zap.String("peer", peer), zap.Error(err))
			return
		}
		if !ok {
			return
		}
		g.client.Publish(buffered.Topic, 0, false, []byte(buffered.Payload))
	}
}

// dispatch decodes and routes one inbound frame. Frames that fail validation
// are logged and dropped; the sender may be untrusted, so no feedback is
// produced for them.
func (g *Gateway) dispatch(ctx context.Context, topic string, payload []byte) {
	switch topic {
	case changeTopic(g.self):
		g.dispatchChange(ctx, payload)
	case topicInfo, infoTopic(g.self):
		g.dispatchInfo(ctx, payload)
	default:
		g.logger.Debug("frame on unexpected topic", zap.String("topic", topic))
	}
}

func (g *Gateway) dispatchChange(ctx context.Context, payload []byte) {
	change, err := decodeChange(payload)
	if err != nil {
		g.logger.Debug("invalid change frame", zap.Error(err))
		return
	}
	if change.Sender == g.self {
		return
	}
	if !g.receiveTables[change.Table] {
		g.logger.Warn("change for unconfigured table rejected",
			zap.String("table", change.Table), zap.String("sender", change.Sender))
		g.publishInfo(change.Sender, messageError, errorArgs{
			Table:   change.Table,
			ID:      change.ID,
			Date:    change.Date,
			Message: messageTableNotAccepted,
		})
		return
	}
	if err := g.events.EmitRemoteChange(ctx, change); err != nil {
		g.logger.Error("remote-change listener failed", zap.Error(err))
	}
}

func (g *Gateway) dispatchInfo(ctx context.Context, payload []byte) {
	envelope, err := decodeInfo(payload)
	if err != nil {
		g.logger.Debug("invalid info frame", zap.Error(err))
		return
	}
	if envelope.Sender == g.self {
		return
	}

	switch envelope.Message {
	case messageConnected:
		args, err := decodeConnectedArgs(envelope.Args)
		if err != nil {
			g.logger.Debug("invalid connected frame", zap.Error(err))
			return
		}
		g.presence.Observe(envelope.Sender, args.Until)
		g.drainPeerQueue(envelope.Sender)
	case messageConnectionLost:
		g.presence.Forget(envelope.Sender)
	case messageDataReceived:
		args, err := decodeReceivedArgs(envelope.Args)
		if err != nil {
			g.logger.Debug("invalid data_received frame", zap.Error(err))
			return
		}
		if err := g.events.EmitRemoteStatusChange(ctx, hub.StatusChange{
			Sender: envelope.Sender,
			Table:  args.Table,
			ID:     args.ID,
			Date:   args.Date,
			Status: hub.StatusSuccessful,
		}); err != nil {
			g.logger.Error("remote-status-change listener failed", zap.Error(err))
		}
	case messageError:
		args, err := decodeErrorArgs(envelope.Args)
		if err != nil {
			g.logger.Debug("invalid error frame", zap.Error(err))
			return
		}
		if err := g.events.EmitRemoteStatusChange(ctx, hub.StatusChange{
			Sender:  envelope.Sender,
			Table:   args.Table,
			ID:      args.ID,
			Date:    args.Date,
			Status:  hub.StatusError,
			Message: args.Message,
		}); err != nil {
			g.logger.Error("remote-status-change listener failed", zap.Error(err))
		}
	}
}

// sendChange publishes a transformed change to its peer, stamping this node
// as sender and the current instant as the change date.
func (g *Gateway) sendChange(ctx context.Context, event hub.RemoteSend) error {
	change := hub.Change{
		Sender: g.self,
		Table:  event.Table,
		ID:     event.ID,
		Date:   g.clock().UnixMilli(),
		Entity: event.Entity,
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return g.publish(changeTopic(event.Peer), payload, event.Peer)
}

func (g *Gateway) sendReceived(ctx context.Context, info hub.ChangeInfo) error {
	return g.publishInfoOrQueue(info.Sender, messageDataReceived, receivedArgs{
		Table: info.Table,
		ID:    info.ID,
		Date:  info.Date,
	})
}

func (g *Gateway) sendError(ctx context.Context, failure hub.ChangeError) error {
	return g.publishInfoOrQueue(failure.Sender, messageError, errorArgs{
		Table:   failure.Table,
		ID:      failure.ID,
		Date:    failure.Date,
		Message: failure.Message,
	})
}

func (g *Gateway) publishInfoOrQueue(peer, message string, args any) error {
	payload, err := encodeInfo(g.self, message, args)
	if err != nil {
		return err
	}
	return g.publish(infoTopic(peer), payload, peer)
}

// publishInfo sends feedback directly, bypassing the offline queue. Used for
// rejections of unsolicited traffic.
func (g *Gateway) publishInfo(peer, message string, args any) {
	payload, err := encodeInfo(g.self, message, args)
	if err != nil {
		g.logger.Error("info encode failed", zap.Error(err))
		return
	}
	g.client.Publish(infoTopic(peer), 0, false, payload)
}

func tlsConfigFrom(cfg config.MQTTConfig) (*tls.Config, error) {
	if len(cfg.CAPEM) == 0 && len(cfg.CertPEM) == 0 {
		return nil, nil
	}
	tlsConfig := &tls.Config{}
	if len(cfg.CAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cfg.CAPEM) {
			return nil, fmt.Errorf("mqttConfig.ca: no certificates found")
		}
		tlsConfig.RootCAs = pool
	}
	if len(cfg.CertPEM) > 0 || len(cfg.KeyPEM) > 0 {
		certificate, err := tls.X509KeyPair(cfg.CertPEM, cfg.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("mqttConfig client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	}
	return tlsConfig, nil
}
