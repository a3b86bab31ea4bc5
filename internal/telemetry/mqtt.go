// Package telemetry はストリーミング統計をMQTTブローカーへ送出する
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"hitomi/internal/stream"
)

// ペイロードのエンコード形式
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Config はMQTT送出の設定
type Config struct {
	Broker      string        `yaml:"broker"`       // host:port または tcp://host:port（空なら無効）
	ClientID    string        `yaml:"client_id"`    // クライアントID
	TopicPrefix string        `yaml:"topic_prefix"` // トピックの先頭
	Encoding    string        `yaml:"encoding"`     // json または msgpack
	QoS         byte          `yaml:"qos"`          // 0-2
	Timeout     time.Duration `yaml:"timeout"`      // 接続と送信のタイムアウト
}

// DefaultConfig はデフォルトのMQTT設定を返す
func DefaultConfig() Config {
	return Config{
		ClientID:    "hitomi",
		TopicPrefix: "hitomi",
		Encoding:    EncodingJSON,
		Timeout:     5 * time.Second,
	}
}

// Enabled はブローカーが設定されているかを返す
func (c Config) Enabled() bool {
	return c.Broker != ""
}

// Validate は設定の妥当性を検証する
func (c Config) Validate() error {
	switch c.Encoding {
	case "", EncodingJSON, EncodingMsgpack:
	default:
		return fmt.Errorf("無効なエンコード形式: %q", c.Encoding)
	}
	if c.QoS > 2 {
		return fmt.Errorf("無効なQoS: %d", c.QoS)
	}
	return nil
}

// Publisher はトピックへの送出を抽象化する
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Message はブローカーへ送る統計メッセージ
type Message struct {
	DeviceID  string              `json:"device_id" msgpack:"device_id"`
	Event     stream.EventType    `json:"event" msgpack:"event"`
	Stats     stream.StatsPayload `json:"stats" msgpack:"stats"`
	Timestamp time.Time           `json:"timestamp" msgpack:"timestamp"`
}

// Encode はメッセージを指定の形式に変換する
func Encode(msg Message, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingJSON:
		return json.Marshal(msg)
	case EncodingMsgpack:
		return msgpack.Marshal(msg)
	}
	return nil, fmt.Errorf("無効なエンコード形式: %q", encoding)
}

// Decode はペイロードをメッセージに戻す
func Decode(payload []byte, encoding string) (Message, error) {
	var msg Message
	var err error
	switch encoding {
	case "", EncodingJSON:
		err = json.Unmarshal(payload, &msg)
	case EncodingMsgpack:
		err = msgpack.Unmarshal(payload, &msg)
	default:
		err = fmt.Errorf("無効なエンコード形式: %q", encoding)
	}
	return msg, err
}

// MQTTReporter は stream.Reporter としてブローカーへ統計を送出する
//
// 送出の失敗はログに残すだけでストリーミングは継続する。
type MQTTReporter struct {
	pub      Publisher
	deviceID string
	prefix   string
	encoding string
	now      func() time.Time
}

// NewMQTTReporter は新しいMQTTReporterを作成する
func NewMQTTReporter(pub Publisher, cfg Config, deviceID string) *MQTTReporter {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultConfig().TopicPrefix
	}
	return &MQTTReporter{
		pub:      pub,
		deviceID: deviceID,
		prefix:   prefix,
		encoding: cfg.Encoding,
		now:      time.Now,
	}
}

// StatsTopic は途中経過のトピックを返す
func (r *MQTTReporter) StatsTopic() string {
	return r.prefix + "/" + r.deviceID + "/stats"
}

// FinalTopic は最終統計のトピックを返す
func (r *MQTTReporter) FinalTopic() string {
	return r.prefix + "/" + r.deviceID + "/final"
}

// Progress は途中経過を送出する
func (r *MQTTReporter) Progress(stats stream.Stats) {
	r.publish(r.StatsTopic(), stream.EventProgress, stats)
}

// Final は最終統計を送出する
func (r *MQTTReporter) Final(stats stream.Stats) {
	r.publish(r.FinalTopic(), stream.EventFinal, stats)
}

func (r *MQTTReporter) publish(topic string, event stream.EventType, stats stream.Stats) {
	payload, err := Encode(Message{
		DeviceID:  r.deviceID,
		Event:     event,
		Stats:     stats.Payload(),
		Timestamp: r.now(),
	}, r.encoding)
	if err != nil {
		slog.Warn("telemetry: ペイロードの作成に失敗", "topic", topic, "error", err)
		return
	}

	if err := r.pub.Publish(topic, payload); err != nil {
		slog.Warn("telemetry: 送出に失敗", "topic", topic, "error", err)
		return
	}

	slog.Debug("telemetry: 統計を送出しました", "topic", topic, "size", len(payload))
}

// Client はpahoのMQTTクライアントをPublisherとして扱う
type Client struct {
	cfg    Config
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// ClientStats は送出の統計
type ClientStats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// NewClient は新しいClientを作成する（接続はしない）
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultConfig().ClientID
	}
	return &Client{cfg: cfg}
}

// brokerURL はスキームを補ったブローカーのURLを返す
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect はブローカーへ接続する
func (c *Client) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(c.cfg.Broker))
	opts.SetClientID(c.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		c.setConnected(true)
		slog.Info("telemetry: ブローカーに接続しました", "broker", c.cfg.Broker, "client_id", c.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.setConnected(false)
		slog.Warn("telemetry: ブローカーとの接続が切れました", "broker", c.cfg.Broker, "error", err)
	}

	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(c.cfg.Timeout) {
		return fmt.Errorf("MQTT接続がタイムアウトしました: %s", c.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT接続に失敗: %w", err)
	}

	c.setConnected(true)
	return nil
}

// Publish はペイロードを送出する
// 配送の完了は待たず、結果はバックグラウンドで記録する
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.isConnected() {
		c.addError()
		return fmt.Errorf("MQTTに接続していません")
	}

	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	go func() {
		if !token.WaitTimeout(c.cfg.Timeout) {
			c.addError()
			slog.Warn("telemetry: 送出がタイムアウトしました", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			c.addError()
			slog.Warn("telemetry: 送出に失敗", "topic", topic, "error", err)
			return
		}
		c.mu.Lock()
		c.published++
		c.mu.Unlock()
	}()
	return nil
}

// Disconnect は接続を閉じる
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		slog.Info("telemetry: ブローカーから切断しました")
	}
	c.setConnected(false)
}

// Stats は送出の統計を返す
func (c *Client) Stats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ClientStats{Connected: c.connected, Published: c.published, Errors: c.errors}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) addError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}
