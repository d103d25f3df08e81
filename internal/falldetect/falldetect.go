// Package falldetect raises alerts from wearable fall detectors that publish
// to an MQTT broker on <prefix>/<subject_id>/fall.
package falldetect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/linnemanlabs/go-core/log"

	"github.com/carecompanion/sosd/internal/emergency"
)

// Triggerer raises an alert for a subject.
type Triggerer interface {
	Trigger(ctx context.Context, subjectID string, req *emergency.TriggerRequest) (*emergency.Alert, error)
}

// Event is the payload a detector publishes.
type Event struct {
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	Address    string   `json:"address,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Options configures the subscriber.
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte

	// MinConfidence drops events that report a lower confidence. Events
	// without a confidence are always accepted.
	MinConfidence float64

	// Cooldown suppresses repeat events for the same subject.
	Cooldown time.Duration
}

// Subscriber consumes fall events and triggers alerts.
type Subscriber struct {
	opts    Options
	trigger Triggerer
	logger  log.Logger
	now     func() time.Time

	mu     sync.Mutex
	last   map[string]time.Time
	client mqtt.Client
}

var errBadTopic = errors.New("unexpected topic")

// New creates a Subscriber. Call Start to connect.
func New(opts Options, trigger Triggerer, logger log.Logger) *Subscriber {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "sosd/devices"
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Subscriber{
		opts:    opts,
		trigger: trigger,
		logger:  logger,
		now:     time.Now,
		last:    make(map[string]time.Time),
	}
}

// Topic is the subscription filter.
func (s *Subscriber) Topic() string {
	return strings.TrimSuffix(s.opts.TopicPrefix, "/") + "/+/fall"
}

// Start connects to the broker and subscribes. Messages are handled until
// Stop is called; ctx is the parent of every trigger call.
func (s *Subscriber) Start(ctx context.Context) error {
	mo := mqtt.NewClientOptions()
	mo.AddBroker(s.opts.Broker)
	mo.SetClientID(s.opts.ClientID)
	if s.opts.Username != "" {
		mo.SetUsername(s.opts.Username)
	}
	if s.opts.Password != "" {
		mo.SetPassword(s.opts.Password)
	}
	mo.SetAutoReconnect(true)
	mo.SetCleanSession(true)
	mo.SetOrderMatters(false)
	mo.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Error(ctx, err, "fall detector broker connection lost")
	})

	client := mqtt.NewClient(mo)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect mqtt broker: %w", token.Error())
	}

	topic := s.Topic()
	token := client.Subscribe(topic, s.opts.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		_ = s.handleMessage(ctx, msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.logger.Info(ctx, "fall detector subscriber started", "broker", s.opts.Broker, "topic", topic)
	return nil
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
}

// handleMessage turns one detector message into a fall_detection trigger.
// Returned errors are already logged.
func (s *Subscriber) handleMessage(ctx context.Context, topic string, payload []byte) error {
	subjectID, err := s.subjectFromTopic(topic)
	if err != nil {
		s.logger.Warn(ctx, "ignoring fall event", "topic", topic, "reason", err.Error())
		return err
	}
	L := s.logger.With("subject_id", subjectID)

	var ev Event
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev); err != nil {
			L.Warn(ctx, "ignoring malformed fall event", "reason", err.Error())
			return fmt.Errorf("decode fall event: %w", err)
		}
	}

	if ev.Confidence != nil && *ev.Confidence < s.opts.MinConfidence {
		L.Info(ctx, "fall event below confidence threshold", "confidence", *ev.Confidence)
		return nil
	}
	if !s.admit(subjectID) {
		L.Info(ctx, "fall event suppressed by cooldown")
		return nil
	}

	a, err := s.trigger.Trigger(ctx, subjectID, &emergency.TriggerRequest{
		Method:    emergency.TriggerFallDetection,
		Latitude:  ev.Latitude,
		Longitude: ev.Longitude,
		Address:   ev.Address,
	})
	if err != nil {
		s.forget(subjectID)
		L.Error(ctx, err, "fall detection trigger failed")
		return err
	}
	L.Info(ctx, "fall detection alert raised", "alert_id", a.ID)
	return nil
}

func (s *Subscriber) subjectFromTopic(topic string) (string, error) {
	prefix := strings.TrimSuffix(s.opts.TopicPrefix, "/") + "/"
	rest, ok := strings.CutPrefix(topic, prefix)
	if !ok {
		return "", errBadTopic
	}
	subjectID, ok := strings.CutSuffix(rest, "/fall")
	if !ok || subjectID == "" || strings.Contains(subjectID, "/") {
		return "", errBadTopic
	}
	return subjectID, nil
}

// admit records an accepted event and reports false while the subject is
// inside its cooldown window.
func (s *Subscriber) admit(subjectID string) bool {
	if s.opts.Cooldown <= 0 {
		return true
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.last[subjectID]; ok && now.Sub(last) < s.opts.Cooldown {
		return false
	}
	s.last[subjectID] = now
	return true
}

// forget clears the cooldown so a retry from the device is not dropped.
func (s *Subscriber) forget(subjectID string) {
	s.mu.Lock()
	delete(s.last, subjectID)
	s.mu.Unlock()
}
