package monitor

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Bridge subscribes to the photon-count monitor's MQTT topic and feeds every
// decoded payload into the journal. The MQTT library owns reconnects; the
// bridge only tracks ingest health.
type Bridge struct {
	broker  string
	port    int
	topic   string
	journal *Journal
	client  mqtt.Client

	payloads      atomic.Uint64
	parseErrors   atomic.Uint64
	lastPayloadAt atomic.Int64 // unix nanos, 0 until first payload
}

// BridgeHealth is a point-in-time view of the monitor ingest path.
type BridgeHealth struct {
	Connected     bool
	Payloads      uint64
	ParseErrors   uint64
	Appended      uint64
	DupDrops      uint64
	JournalLen    int
	LastPayloadAt time.Time // zero until the first payload arrives
}

// NewBridge creates a bridge for the given broker and topic, writing into
// journal.
func NewBridge(broker string, port int, topic string, journal *Journal) *Bridge {
	return &Bridge{
		broker:  broker,
		port:    port,
		topic:   topic,
		journal: journal,
	}
}

// Connect establishes the MQTT session and subscribes to the counts topic.
func (b *Bridge) Connect() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", b.broker, b.port)
	opts.AddBroker(brokerURL)

	// Client ID with timestamp for uniqueness
	opts.SetClientID(fmt.Sprintf("polserver-%d", time.Now().Unix()))

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	b.client = mqtt.NewClient(opts)

	log.Printf("Connecting to counts monitor MQTT broker at %s...", brokerURL)

	token := b.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to counts monitor: %w", token.Error())
	}

	log.Println("Connected to counts monitor MQTT broker")
	return nil
}

func (b *Bridge) onConnect(client mqtt.Client) {
	log.Printf("Monitor: Connected, subscribing to topic: %s", b.topic)

	token := client.Subscribe(b.topic, 0, b.messageHandler)
	if token.Wait() && token.Error() != nil {
		log.Printf("Monitor: Failed to subscribe: %v", token.Error())
		return
	}

	log.Println("Monitor: Successfully subscribed, receiving counts...")
}

func (b *Bridge) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("Monitor: Connection lost: %v", err)
	log.Println("Monitor: Will attempt to reconnect...")
}

func (b *Bridge) messageHandler(client mqtt.Client, msg mqtt.Message) {
	b.handlePayload(msg.Payload())
}

// handlePayload decodes one counts payload and appends it to the journal.
func (b *Bridge) handlePayload(payload []byte) {
	b.payloads.Add(1)
	b.lastPayloadAt.Store(time.Now().UnixNano())

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		b.parseErrors.Add(1)
		log.Printf("Monitor: Failed to parse counts payload: %v", err)
		return
	}

	b.journal.Append(fields, payload)
}

// IsConnected returns whether the MQTT session is up.
func (b *Bridge) IsConnected() bool {
	return b.client != nil && b.client.IsConnected()
}

// Health returns the current ingest health snapshot.
func (b *Bridge) Health() BridgeHealth {
	h := BridgeHealth{
		Connected:   b.IsConnected(),
		Payloads:    b.payloads.Load(),
		ParseErrors: b.parseErrors.Load(),
		Appended:    b.journal.Appended(),
		DupDrops:    b.journal.DupDrops(),
		JournalLen:  b.journal.Len(),
	}
	if ns := b.lastPayloadAt.Load(); ns != 0 {
		h.LastPayloadAt = time.Unix(0, ns)
	}
	return h
}

// Stop closes the MQTT session.
func (b *Bridge) Stop() {
	log.Println("Stopping monitor bridge...")

	if b.client != nil && b.client.IsConnected() {
		b.client.Unsubscribe(b.topic)
		b.client.Disconnect(250)
	}

	log.Println("Monitor bridge stopped")
}
