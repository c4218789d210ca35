// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/autorec_blackbox/internal/config"
)

// retainedTopics keep their last value on the broker so late subscribers
// see the current state immediately.
var retainedTopics = map[string]bool{
	TopicState:       true,
	TopicOrientation: true,
}

// MQTTPublisher publishes pipeline output as JSON to <prefix>/<topic>.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// NewMQTTPublisher connects to the broker in opt.
func NewMQTTPublisher(opt config.MQTTOpt) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(opt.Broker).
		SetClientID(opt.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("mqtt: connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", opt.Broker, token.Error())
	}
	log.Infof("mqtt: connected to %s, publishing under %s/", opt.Broker, opt.TopicPrefix)

	return &MQTTPublisher{client: client, prefix: opt.TopicPrefix, qos: byte(opt.QoS)}, nil
}

// Publish marshals v and hands it to the client without waiting for the
// broker acknowledgement.
func (p *MQTTPublisher) Publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mqtt: marshal %s: %w", topic, err)
	}
	token := p.client.Publish(p.prefix+"/"+topic, p.qos, retainedTopics[topic], payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Debugf("mqtt: publish %s: %v", topic, token.Error())
		}
	}()
	return nil
}

// Close disconnects, allowing 250ms for in-flight messages.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
	log.Info("mqtt: disconnected")
}
