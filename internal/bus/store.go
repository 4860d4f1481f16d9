package bus

import (
	"bytes"

	"github.com/MarcoPoloResearchLab/mysql-sync/internal/queue"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"go.uber.org/zap"
)

// storedPacket is one persisted in-flight control packet, serialized in its
// wire form.
type storedPacket struct {
	Key    string `json:"key"`
	Packet []byte `json:"packet"`
}

// queueStore adapts two durable queues to the bus client's persistence
// interface so unacknowledged in-flight messages survive restarts. The
// client keys inbound packets "i.<id>" and outbound packets "o.<id>"; the
// prefix routes each packet to its queue file.
type queueStore struct {
	incoming *queue.Queue[storedPacket]
	outgoing *queue.Queue[storedPacket]
	logger   *zap.Logger
}

var _ mqtt.Store = (*queueStore)(nil)

func newQueueStore(incoming, outgoing *queue.Queue[storedPacket], logger *zap.Logger) *queueStore {
	return &queueStore{incoming: incoming, outgoing: outgoing, logger: logger}
}

func (s *queueStore) queueFor(key string) *queue.Queue[storedPacket] {
	if len(key) > 0 && key[0] == 'i' {
		return s.incoming
	}
	return s.outgoing
}

func (s *queueStore) Open() {}

func (s *queueStore) Put(key string, message packets.ControlPacket) {
	var buffer bytes.Buffer
	if err := message.Write(&buffer); err != nil {
		s.logger.Error("bus store encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	target := s.queueFor(key)
	if _, err := target.Delete(func(item storedPacket) bool { return item.Key == key }); err != nil {
		s.logger.Error("bus store replace failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := target.Push(storedPacket{Key: key, Packet: buffer.Bytes()}); err != nil {
		s.logger.Error("bus store persist failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *queueStore) Get(key string) packets.ControlPacket {
	matches := s.queueFor(key).Find(func(item storedPacket) bool { return item.Key == key })
	if len(matches) == 0 {
		return nil
	}
	packet, err := packets.ReadPacket(bytes.NewReader(matches[0].Packet))
	if err != nil {
		s.logger.Error("bus store decode failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	return packet
}

func (s *queueStore) All() []string {
	var keys []string
	for _, item := range s.incoming.Snapshot() {
		keys = append(keys, item.Key)
	}
	for _, item := range s.outgoing.Snapshot() {
		keys = append(keys, item.Key)
	}
	return keys
}

func (s *queueStore) Del(key string) {
	if _, err := s.queueFor(key).Delete(func(item storedPacket) bool { return item.Key == key }); err != nil {
		s.logger.Error("bus store delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *queueStore) Close() {}

func (s *queueStore) Reset() {
	all := func(storedPacket) bool { return true }
	if _, err := s.incoming.Delete(all); err != nil {
		s.logger.Error("bus store reset failed", zap.Error(err))
	}
	if _, err := s.outgoing.Delete(all); err != nil {
		s.logger.Error("bus store reset failed", zap.Error(err))
	}
}
