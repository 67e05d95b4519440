package provider

import (
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tomvit/yamc-go/internal/component"
)

// connState is the broker connection lifecycle: Disconnected,
// Connecting, Connected.
type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// MQTTProvider is an EventProvider fed by a broker subscription. It
// owns its own reconnect loop rather than relying on the paho client's
// built-in auto-reconnect, so reconnect attempts honor the shared exit
// signal and log through this agent's logger.
type MQTTProvider struct {
	*EventProvider

	broker         string
	clientID       string
	topics         []string
	reconnectAfter time.Duration

	client mqtt.Client
	state  atomic.Int32
	done   chan struct{}
}

// NewMQTTProvider constructs an MQTTProvider. Connection is not
// attempted until Start is called.
func NewMQTTProvider(base BaseProvider, maxHistory int, broker, clientID string, topics []string, reconnectAfter time.Duration) *MQTTProvider {
	if reconnectAfter <= 0 {
		reconnectAfter = 30 * time.Second
	}
	return &MQTTProvider{
		EventProvider:  NewEventProvider(base, maxHistory),
		broker:         broker,
		clientID:       clientID,
		topics:         topics,
		reconnectAfter: reconnectAfter,
		done:           make(chan struct{}),
	}
}

// Start creates the broker client and spawns the reconnect-on-failure
// worker loop. It returns immediately; the first connection attempt and
// every later reconnect happen on that background goroutine.
func (p *MQTTProvider) Start(exit *component.ExitSignal) {
	opts := mqtt.NewClientOptions().
		AddBroker(p.broker).
		SetClientID(p.clientID).
		SetAutoReconnect(false).
		SetOnConnectHandler(func(c mqtt.Client) {
			p.state.Store(int32(stateConnected))
			p.Log().Info("mqtt connected", "broker", p.broker)
			for _, topic := range p.topics {
				topic := topic
				c.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
					p.onMessage(topic, msg.Payload())
				})
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.state.Store(int32(stateDisconnected))
			p.Log().Warn("mqtt connection lost", "error", err)
		})

	p.client = mqtt.NewClient(opts)
	go p.run(exit)
}

func (p *MQTTProvider) onMessage(topic string, payload []byte) {
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		p.Log().Warn("mqtt message was not valid JSON", "topic", topic, "error", err)
		return
	}
	if err := p.Dispatch(topic, data); err != nil {
		p.Log().Error("mqtt dispatch failed", "topic", topic, "error", err)
	}
}

// run is the reconnect loop: attempt connection, and on failure or
// disconnect, wait ReconnectAfter (honoring exit) before retrying.
func (p *MQTTProvider) run(exit *component.ExitSignal) {
	defer close(p.done)
	for !exit.Triggered() {
		if connState(p.state.Load()) == stateConnected {
			if exit.Wait(time.Second) {
				break
			}
			continue
		}
		p.state.Store(int32(stateConnecting))
		token := p.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			p.Log().Warn("mqtt connect failed, will retry", "error", err, "after", p.reconnectAfter)
			p.state.Store(int32(stateDisconnected))
			if exit.Wait(p.reconnectAfter) {
				break
			}
			continue
		}
		// The OnConnect handler also stores Connected, but it runs on the
		// client's goroutine; storing here too keeps this loop from
		// re-entering Connect before the handler has fired.
		p.state.Store(int32(stateConnected))
	}
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

// Join blocks until run() has returned (and the broker client has been
// disconnected), observed via the same ExitSignal the runtime passed
// to Start.
func (p *MQTTProvider) Join() {
	<-p.done
}
