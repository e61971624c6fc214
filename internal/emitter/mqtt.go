package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/capture"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/config"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/core"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/motion"
	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// Event kinds. Each is the suffix of its topic under the events topic and
// the key of its QoS in the config.
const (
	KindScene   = "scene"
	KindCapture = "capture"
	KindFaces   = "faces"
	KindMotion  = "motion"
)

const outboxSize = 64

// SceneEvent is published on every scene or countdown change
type SceneEvent struct {
	InstanceID string    `json:"instance_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Counter    int       `json:"counter"`
	Steps      int       `json:"steps"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// CaptureEvent announces a committed photo; the pixels stay on the booth
type CaptureEvent struct {
	InstanceID string    `json:"instance_id"`
	PhotoID    string    `json:"photo_id"`
	FrameSeq   uint64    `json:"frame_seq"`
	TraceID    string    `json:"trace_id"`
	TakenAt    time.Time `json:"taken_at"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
}

// FacesEvent is published when the number of accepted faces changes
type FacesEvent struct {
	InstanceID string       `json:"instance_id"`
	Count      int          `json:"count"`
	Faces      []types.Face `json:"faces"`
	Timestamp  time.Time    `json:"timestamp"`
}

// MotionEvent is published when motion starts or stops being detected
type MotionEvent struct {
	InstanceID string    `json:"instance_id"`
	Detected   bool      `json:"detected"`
	Moved      int       `json:"moved"`
	Total      int       `json:"total"`
	Fraction   float64   `json:"fraction"`
	FrameSeq   uint64    `json:"frame_seq"`
	Timestamp  time.Time `json:"timestamp"`
}

type message struct {
	kind    string
	topic   string
	qos     byte
	payload []byte
}

// MQTTEmitter publishes booth events to an MQTT broker. It implements
// core.RenderSink: calls only encode and queue, a background loop publishes.
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane

	outbox chan message
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	dropped   uint64

	// change detection for the high-rate sinks
	changeMu   sync.Mutex
	lastFaces  int
	lastMotion bool
}

var _ core.RenderSink = (*MQTTEmitter)(nil)

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
		outbox:    make(chan message, outboxSize),
		lastFaces: -1,
	}
}

// Connect establishes connection to MQTT broker and starts publishing
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID,
			"auto_reconnect", "enabled")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
			"max_retry_interval", "30s")
	}

	client := mqtt.NewClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.Start(ctx, client)
	return nil
}

// Start publishes through an already connected client
func (e *MQTTEmitter) Start(ctx context.Context, client mqtt.Client) {
	e.Client = client

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.publishLoop(ctx)
}

func (e *MQTTEmitter) publishLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// flush what is already queued
			for {
				select {
				case msg := <-e.outbox:
					e.publish(msg)
				default:
					return
				}
			}
		case msg := <-e.outbox:
			e.publish(msg)
		}
	}
}

func (e *MQTTEmitter) publish(msg message) {
	token := e.Client.Publish(msg.topic, msg.qos, false, msg.payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		slog.Warn("emitter: publish timeout", "topic", msg.topic)
		return
	}
	if err := token.Error(); err != nil {
		e.countError()
		slog.Warn("emitter: publish failed", "topic", msg.topic, "error", err)
		return
	}

	e.mu.Lock()
	e.published[msg.topic]++
	e.mu.Unlock()

	slog.Debug("emitter: event published",
		"kind", msg.kind,
		"topic", msg.topic,
		"qos", msg.qos,
		"size", len(msg.payload),
	)
}

// enqueue encodes an event for the background publisher
func (e *MQTTEmitter) enqueue(kind string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to marshal %s event: %w", kind, err)
	}

	msg := message{
		kind:    kind,
		topic:   fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Events, kind),
		qos:     e.getQoS(kind),
		payload: payload,
	}

	select {
	case e.outbox <- msg:
		return nil
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		return fmt.Errorf("emitter: outbox full, dropping %s event", kind)
	}
}

// ready reports whether events can be published now
func (e *MQTTEmitter) ready() error {
	if e.Client == nil || !e.Client.IsConnectionOpen() {
		return fmt.Errorf("emitter: mqtt not connected: %w", core.ErrSinkNotReady)
	}
	return nil
}

// DrawFaces publishes the face list when the count changes
func (e *MQTTEmitter) DrawFaces(faces []types.Face) error {
	if err := e.ready(); err != nil {
		return err
	}

	e.changeMu.Lock()
	changed := len(faces) != e.lastFaces
	e.lastFaces = len(faces)
	e.changeMu.Unlock()
	if !changed {
		return nil
	}

	return e.enqueue(KindFaces, FacesEvent{
		InstanceID: e.cfg.InstanceID,
		Count:      len(faces),
		Faces:      faces,
		Timestamp:  time.Now(),
	})
}

// DrawMotion publishes when motion detection flips
func (e *MQTTEmitter) DrawMotion(result motion.Result) error {
	if err := e.ready(); err != nil {
		return err
	}

	e.changeMu.Lock()
	changed := result.Detected != e.lastMotion
	e.lastMotion = result.Detected
	e.changeMu.Unlock()
	if !changed {
		return nil
	}

	return e.enqueue(KindMotion, MotionEvent{
		InstanceID: e.cfg.InstanceID,
		Detected:   result.Detected,
		Moved:      result.Moved,
		Total:      result.Total,
		Fraction:   result.Fraction,
		FrameSeq:   result.Seq,
		Timestamp:  time.Now(),
	})
}

// ShowCapture announces a committed photo
func (e *MQTTEmitter) ShowCapture(photo *capture.Photo) error {
	if err := e.ready(); err != nil {
		return err
	}

	return e.enqueue(KindCapture, CaptureEvent{
		InstanceID: e.cfg.InstanceID,
		PhotoID:    photo.ID,
		FrameSeq:   photo.FrameSeq,
		TraceID:    photo.TraceID,
		TakenAt:    photo.TakenAt,
		Width:      photo.Width(),
		Height:     photo.Height(),
	})
}

// SceneChanged publishes a scene update
func (e *MQTTEmitter) SceneChanged(update core.SceneUpdate) error {
	if err := e.ready(); err != nil {
		return err
	}

	return e.enqueue(KindScene, SceneEvent{
		InstanceID: e.cfg.InstanceID,
		From:       update.From.String(),
		To:         update.To.String(),
		Counter:    update.Counter,
		Steps:      update.Steps,
		Message:    update.Message,
		Timestamp:  time.Now(),
	})
}

// PublishStatus publishes a status message synchronously
func (e *MQTTEmitter) PublishStatus(payload []byte) error {
	if err := e.ready(); err != nil {
		return err
	}

	topic := e.cfg.MQTT.Topics.Status
	token := e.Client.Publish(topic, e.getQoS("status"), false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return err
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Disconnect flushes queued events and closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
		e.cancel = nil
	}

	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}
	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
	Dropped   uint64            `json:"dropped"`
	Queued    int               `json:"queued"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.ready() == nil,
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
		Queued:    len(e.outbox),
	}
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// getQoS returns the QoS level for an event kind
func (e *MQTTEmitter) getQoS(kind string) byte {
	if qos, ok := e.cfg.MQTT.QoS[kind]; ok {
		return qos
	}
	return 0
}
