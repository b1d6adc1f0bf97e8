// Package mqttingest is an optional alternate packet-submission transport:
// it subscribes to an MQTT topic and feeds decoded packets into the same
// Ingestion Coordinator the HTTP API uses, so a call ingested over MQTT and
// one ingested over HTTP are indistinguishable once they reach the
// coordinator.
package mqttingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/callkernel/internal/ingest"
)

// packetMessage is the wire format expected on the configured topic.
type packetMessage struct {
	CallID    string `json:"call_id"`
	Sequence  int64  `json:"sequence"`
	Data      string `json:"data"` // base64
	Timestamp string `json:"timestamp,omitempty"`
}

// Options configures the MQTT ingest listener.
type Options struct {
	BrokerURL string
	ClientID  string
	Topic     string
	Log       zerolog.Logger
}

// Listener subscribes to Options.Topic and forwards each decoded packet to
// a Coordinator.
type Listener struct {
	conn        mqtt.Client
	topic       string
	coordinator *ingest.Coordinator
	connected   atomic.Bool
	log         zerolog.Logger
}

// Connect dials the broker and subscribes, forwarding decoded packets to
// coordinator. It does not submit anything until a message arrives.
func Connect(opts Options, coordinator *ingest.Coordinator) (*Listener, error) {
	l := &Listener{
		topic:       opts.Topic,
		coordinator: coordinator,
		log:         opts.Log.With().Str("component", "mqttingest").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(l.onConnect).
		SetConnectionLostHandler(l.onConnectionLost)

	l.conn = mqtt.NewClient(clientOpts)
	token := l.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Listener) onConnect(client mqtt.Client) {
	l.connected.Store(true)
	l.log.Info().Str("topic", l.topic).Msg("mqtt connected, subscribing")

	token := client.Subscribe(l.topic, 0, l.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		l.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (l *Listener) onConnectionLost(_ mqtt.Client, err error) {
	l.connected.Store(false)
	l.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (l *Listener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var pm packetMessage
	if err := json.Unmarshal(msg.Payload(), &pm); err != nil {
		l.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("discarding malformed packet message")
		return
	}
	if pm.CallID == "" {
		l.log.Warn().Msg("discarding packet message with empty call_id")
		return
	}

	data, err := base64.StdEncoding.DecodeString(pm.Data)
	if err != nil {
		l.log.Warn().Err(err).Str("call_id", pm.CallID).Msg("discarding packet message with invalid base64 data")
		return
	}

	ts := time.Now().UTC()
	if pm.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, pm.Timestamp); err == nil {
			ts = parsed
		}
	}

	if _, err := l.coordinator.Submit(context.Background(), pm.CallID, pm.Sequence, data, ts); err != nil {
		l.log.Error().Err(err).Str("call_id", pm.CallID).Msg("mqtt packet submission failed")
	}
}

func (l *Listener) IsConnected() bool {
	return l.connected.Load()
}

func (l *Listener) Close() {
	l.log.Info().Msg("disconnecting mqtt ingest listener")
	l.conn.Disconnect(1000)
}
