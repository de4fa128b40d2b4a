// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MeterState is the retained MQTT payload describing a meter
type MeterState struct {
	Timestamp        string  `json:"timestamp"`
	MeterNo          string  `json:"meter_no"`
	Type             string  `json:"type"`
	Status           string  `json:"status"`
	Unit             string  `json:"unit"`
	RemainingUnit    float64 `json:"remaining_unit"`
	RemainingCredit  float64 `json:"remaining_credit"`
	LastUpdate       string  `json:"last_update"`
	TodayConsumption float64 `json:"today_consumption"`
	MonthConsumption float64 `json:"month_consumption"`
	MonthCost        float64 `json:"month_cost"`
}

// Publisher publishes meter state
type Publisher interface {
	// PublishMeterState sends state for one meter. Errors should be logged, not fatal.
	PublishMeterState(state MeterState) error
	// Close disconnects from the broker
	Close() error
}

// MeterStateTopic is <prefix>/<meter no>/state
func MeterStateTopic(prefix, meterNo string) string {
	if prefix == "" {
		prefix = MQTTDefaultTopicPrefix
	}
	return strings.TrimSuffix(prefix, "/") + "/" + meterNo + "/state"
}

// FormatMeterState encodes state as the JSON payload
func FormatMeterState(state MeterState) ([]byte, error) {
	return json.Marshal(state)
}

// NewMeterState snapshots a meter along with the given period totals
func NewMeterState(m *Meter, now time.Time, today, month *Series) MeterState {
	info := m.Info()
	return MeterState{
		Timestamp:        now.UTC().Format(time.RFC3339),
		MeterNo:          info.No,
		Type:             info.Type,
		Status:           info.Status,
		Unit:             m.Unit(),
		RemainingUnit:    info.RemainingUnit,
		RemainingCredit:  info.RemainingCredit,
		LastUpdate:       info.LastUpdate.Format(time.RFC3339),
		TodayConsumption: m.CalculateTotalConsumption(today),
		MonthConsumption: m.CalculateTotalConsumption(month),
		MonthCost:        m.CalculateTotalCost(month),
	}
}

// MQTTPublisher publishes to a real broker with paho
type MQTTPublisher struct {
	client paho.Client
	prefix string
	logger *Logger
}

// NewMQTTPublisher connects to broker. An empty clientID gets a random one.
func NewMQTTPublisher(broker, prefix, clientID string, logger *Logger) (*MQTTPublisher, error) {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	if clientID == "" {
		clientID = "usmsmon-" + uuid.NewString()[:8]
	}
	logger = logger.WithComponent("mqtt")

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("Connection lost", "error", err.Error())
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(MQTTConnectTimeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	logger.Info("Connected to broker", "broker", broker, "client_id", clientID)

	return &MQTTPublisher{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// PublishMeterState publishes a retained QoS 1 message so subscribers get the last state on connect
func (p *MQTTPublisher) PublishMeterState(state MeterState) error {
	payload, err := FormatMeterState(state)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	topic := MeterStateTopic(p.prefix, state.MeterNo)
	token := p.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(MQTTPublishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	p.logger.Debug("Published meter state", "topic", topic)
	return nil
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
