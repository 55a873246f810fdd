package scheduler

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// roundMessage is the JSON payload published for one completed round,
// mirroring the per-exchange ranging log dw1000_rng_path_loss describes
// handing off to a PAN master.
type roundMessage struct {
	SlotIndices []uint16 `json:"slot_indices"`
	Timestamp   int64    `json:"timestamp_unix_ms"`
}

// MQTTPostProcessor publishes one JSON message per completed round to
// topic on client, in the style of tve-devices/cmd/mqttradio's
// Publish(topic, payload) over the same library. QoS 1, not retained.
func MQTTPostProcessor(client mqtt.Client, topic string, log *logrus.Logger) PostProcessFunc {
	if log == nil {
		log = logrus.New()
	}
	entry := log.WithField("component", "scheduler.mqtt")
	return func(indices []uint16) {
		msg := roundMessage{SlotIndices: indices, Timestamp: time.Now().UnixMilli()}
		payload, err := json.Marshal(msg)
		if err != nil {
			entry.WithError(err).Warn("marshal round message")
			return
		}
		token := client.Publish(topic, 1, false, payload)
		if token.WaitTimeout(2*time.Second) && token.Error() != nil {
			entry.WithError(token.Error()).WithField("topic", topic).Warn("publish round message")
		}
	}
}
