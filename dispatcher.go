package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const mqttPrefix = "mqtt/"

type EventListener struct {
	ch chan []byte
}

// EventDispatcher fans events out to websocket listeners. Sources starting
// with "mqtt/" are bus publishes and go to the MQTT gateway instead.
type EventDispatcher struct {
	listeners  map[*EventListener]bool
	broadcast  chan []byte
	register   chan *EventListener
	deregister chan *EventListener
	gateway    *MqttGateway

	// replay returns the current events for a newly registered listener.
	replay func() map[string]interface{}
}

func newEventDispatcher(gateway *MqttGateway) *EventDispatcher {
	return &EventDispatcher{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *EventListener),
		deregister: make(chan *EventListener),
		listeners:  make(map[*EventListener]bool),
		gateway:    gateway,
	}
}

type broadcastEvent struct {
	Source string      `json:"source"`
	Data   interface{} `json:"data"`
}

func serializeEvent(source string, data interface{}) []byte {
	msg, _ := json.Marshal(&broadcastEvent{Source: source, Data: data})
	return msg
}

func (d *EventDispatcher) broadcastEvent(source string, data interface{}) {
	if strings.HasPrefix(source, mqttPrefix) {
		topic := strings.TrimPrefix(source, mqttPrefix)
		value := fmt.Sprintf("%v", data)
		if d.gateway != nil {
			d.gateway.publish(topic, value)
		} else {
			log.Debugf("MQTT PUB (not connected): %s -> %s", topic, value)
		}
		return
	}

	select {
	case d.broadcast <- serializeEvent(source, data):
	default:
		log.Warnf("event queue full, dropping %s", source)
	}
}

// Publish implements Publisher.
func (d *EventDispatcher) Publish(topic string, payload string) {
	d.broadcastEvent(mqttPrefix+topic, payload)
}

func (d *EventDispatcher) run() {
	for {
		select {
		case l := <-d.register:
			d.listeners[l] = true
			d.replayTo(l)
		case l := <-d.deregister:
			d.drop(l)
		case msg := <-d.broadcast:
			for l := range d.listeners {
				if !l.offer(msg) {
					log.Warn("websocket listener is not keeping up, disconnecting it")
					d.drop(l)
				}
			}
		}
	}
}

// replayTo sends the cached state so a new listener does not wait for the
// next change to render anything.
func (d *EventDispatcher) replayTo(l *EventListener) {
	if d.replay == nil {
		return
	}
	for source, data := range d.replay() {
		if !l.offer(serializeEvent(source, data)) {
			return
		}
	}
}

func (d *EventDispatcher) drop(l *EventListener) {
	if d.listeners[l] {
		delete(d.listeners, l)
		close(l.ch)
	}
}

func (l *EventListener) offer(msg []byte) bool {
	select {
	case l.ch <- msg:
		return true
	default:
		return false
	}
}

// MqttGateway is the bus side of the bridge. Inbound payloads are decoded
// here and handed to the reconciler as Commands; state is never touched.
type MqttGateway struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
	cmds   chan<- Command
}

func newMqttGateway(cfg MQTTConfig, cmds chan<- Command) *MqttGateway {
	return &MqttGateway{
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:    byte(cfg.QoS),
		retain: cfg.Retain,
		cmds:   cmds,
	}
}

func (g *MqttGateway) topic(suffix string) string {
	return g.prefix + "/" + suffix
}

// route decodes one inbound message. Bad payloads are logged and dropped.
func (g *MqttGateway) route(topic string, payload []byte) {
	ps := string(payload)

	var cmd Command
	switch topic {
	case g.topic("call/aux"):
		aux, err := stringAuxToRaw(ps)
		if err != nil {
			log.Warnf("MQTT: dropping message on %s: %s", topic, err)
			return
		}
		cmd = auxCommand(aux)
	case g.topic("call/mode"):
		mode, err := stringModeToRaw(ps)
		if err != nil {
			log.Warnf("MQTT: dropping message on %s: %s", topic, err)
			return
		}
		cmd = modeCommand(mode)
	default:
		log.Errorf("mqtt received unexpected topic '%s'", topic)
		return
	}

	// must not block paho's router
	select {
	case g.cmds <- cmd:
	default:
		log.Warnf("MQTT: command queue full, dropping %s from %s", cmd, topic)
	}
}

func (g *MqttGateway) mqttMessageHandler(client mqtt.Client, msg mqtt.Message) {
	log.Infof("MQTT: Received message: %s from topic: %s", msg.Payload(), msg.Topic())
	g.route(msg.Topic(), msg.Payload())
}

func (g *MqttGateway) subscribe(cl mqtt.Client) {
	for _, t := range []string{g.topic("call/mode"), g.topic("call/aux")} {
		tok := cl.Subscribe(t, g.qos, g.mqttMessageHandler)
		tok.Wait()
		if tok.Error() != nil {
			log.Errorf("MQTT: failed to subscribe for %s: %s", t, tok.Error())
		} else {
			log.Infof("MQTT: subscribe succeeded for %s", t)
		}
	}
}

func (g *MqttGateway) publish(topic string, value string) {
	if g.client == nil {
		return
	}
	full := g.topic(topic)
	log.Infof("MQTT PUB: %s -> %s", full, value)
	_ = g.client.Publish(full, g.qos, g.retain, value)
}

// Connect dials the broker. Subscriptions are made from the connect handler
// so they are restored after every reconnect.
func (g *MqttGateway) Connect(cfg MQTTConfig) error {
	co := mqtt.NewClientOptions()
	co.AddBroker(cfg.Broker)
	co.SetClientID(cfg.ClientID)
	co.SetUsername(cfg.Username)
	co.SetPassword(cfg.Password)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetOnConnectHandler(func(cl mqtt.Client) {
		log.Info("MQTT: connected to MQTT broker")
		g.subscribe(cl)
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnf("MQTT: connection lost: %s", err)
	})

	log.Infof("connecting to broker %s", cfg.Broker)
	cl := mqtt.NewClient(co)
	t := cl.Connect()
	if !t.WaitTimeout(cfg.ConnectTimeout) {
		log.Warnf("MQTT: broker %s not reachable yet, retrying in background", cfg.Broker)
	} else if t.Error() != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Broker, t.Error())
	}
	g.client = cl
	return nil
}

func (g *MqttGateway) Close() {
	if g.client != nil {
		g.client.Disconnect(250)
	}
}
