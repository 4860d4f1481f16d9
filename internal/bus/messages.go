package bus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/mysql-sync/internal/hub"
)

var errMissingHub = errors.New("event hub is required")

const (
	topicInfo         = "/info"
	topicInfoPrefix   = "/info/"
	topicChangePrefix = "/change/"
)

const (
	messageConnected      = "connected"
	messageConnectionLost = "connection_lost"
	messageDataReceived   = "data_received"
	messageError          = "error"
)

func infoTopic(peer string) string   { return topicInfoPrefix + peer }
func changeTopic(peer string) string { return topicChangePrefix + peer }

// infoEnvelope is the wire form of every /info message. Args is decoded per
// message kind.
type infoEnvelope struct {
	Sender  string          `json:"sender"`
	Message string          `json:"message"`
	Args    json.RawMessage `json:"args"`
}

type connectedArgs struct {
	Until int64 `json:"until"`
}

type receivedArgs struct {
	Table string `json:"table"`
	ID    string `json:"id"`
	Date  int64  `json:"date"`
}

type errorArgs struct {
	Table   string `json:"table"`
	ID      string `json:"id"`
	Date    int64  `json:"date"`
	Message string `json:"message"`
}

func encodeInfo(sender, message string, args any) ([]byte, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(infoEnvelope{Sender: sender, Message: message, Args: rawArgs})
}

func decodeInfo(payload []byte) (infoEnvelope, error) {
	var envelope infoEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return infoEnvelope{}, err
	}
	if envelope.Sender == "" {
		return infoEnvelope{}, errors.New("info message without sender")
	}
	switch envelope.Message {
	case messageConnected, messageConnectionLost, messageDataReceived, messageError:
	default:
		return infoEnvelope{}, fmt.Errorf("unknown info message %q", envelope.Message)
	}
	return envelope, nil
}

func decodeConnectedArgs(raw json.RawMessage) (connectedArgs, error) {
	var args connectedArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return connectedArgs{}, err
	}
	if args.Until <= 0 {
		return connectedArgs{}, errors.New("connected message without until")
	}
	return args, nil
}

func decodeReceivedArgs(raw json.RawMessage) (receivedArgs, error) {
	var args receivedArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return receivedArgs{}, err
	}
	if args.Table == "" || args.ID == "" {
		return receivedArgs{}, errors.New("data_received message missing table or id")
	}
	return args, nil
}

func decodeErrorArgs(raw json.RawMessage) (errorArgs, error) {
	var args errorArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorArgs{}, err
	}
	if args.Table == "" || args.ID == "" {
		return errorArgs{}, errors.New("error message missing table or id")
	}
	return args, nil
}

func decodeChange(payload []byte) (hub.Change, error) {
	var change hub.Change
	if err := json.Unmarshal(payload, &change); err != nil {
		return hub.Change{}, err
	}
	if change.Sender == "" || change.Table == "" || change.ID == "" {
		return hub.Change{}, errors.New("change message missing sender, table or id")
	}
	if change.Date <= 0 {
		return hub.Change{}, errors.New("change message without date")
	}
	return change, nil
}
