package databus

import (
	"strings"

	"gopkg.in/Shopify/sarama.v1"
	"stellawallet.io/stella-wallet/pkg/common"
	"stellawallet.io/stella-wallet/pkg/errors"
	"stellawallet.io/stella-wallet/pkg/log"
)

type Event interface {
	Serialize() []byte
	Topic() string
}

type DataBus struct {
	producer sarama.SyncProducer
}

var producer *DataBus

func InitDataBus(host string) {
	hosts := strings.Split(host, ",")
	conf := sarama.NewConfig()
	conf.Producer.Return.Successes = true
	if p, err := sarama.NewSyncProducer(hosts, conf); err != nil {
		log.Fatalf("Failed to create producer: %s", err)
	} else {
		producer = &DataBus{producer: p}
	}
	log.Info("Kafka producer initialized...")
}

func GetDataBus() *DataBus {
	return producer
}

func (db *DataBus) PublishRaw(topic string, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	_, _, err := db.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.StringEncoder(raw)})
	return errors.WrapAndReport(err, "produce message")
}

func (db *DataBus) Publish(e Event) error {
	return db.PublishRaw(e.Topic(), e.Serialize())
}

const bridgeUpdatesTopic = "dapp_bridge_updates"

// BridgeUpdate wraps one bridge update for the wallet update bus.
type BridgeUpdate struct {
	EventID   int64       `json:"eventId"`
	EventType string      `json:"eventType"`
	Payload   interface{} `json:"payload"`
}

func (e *BridgeUpdate) Serialize() []byte {
	return []byte(common.MustGetJSONString(e))
}

func (e *BridgeUpdate) Topic() string {
	return bridgeUpdatesTopic
}
