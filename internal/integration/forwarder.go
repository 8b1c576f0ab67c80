package integration

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/carelink-gateway/carelink-gateway-pro/internal/config"
	"github.com/carelink-gateway/carelink-gateway-pro/internal/models"
)

// ForwarderService fans each completed cycle out to the configured targets:
// NATS, MQTT and the Nightscout relay. Delivery is fire-and-forget; a target
// failure never fails the poll cycle.
type ForwarderService struct {
	nc         *nats.Conn
	natsCfg    config.NATSConfig
	mqttCfg    config.MQTTConfig
	nightscout *NightscoutRelay
	username   string

	mqttClient mqtt.Client
	clientMu   sync.Mutex
}

// NewForwarderService creates the fan-out service. nc and nightscout may be
// nil when the respective target is not configured.
func NewForwarderService(nc *nats.Conn, cfg *config.Config, nightscout *NightscoutRelay) *ForwarderService {
	return &ForwarderService{
		nc:         nc,
		natsCfg:    cfg.NATS,
		mqttCfg:    cfg.MQTT,
		nightscout: nightscout,
		username:   cfg.Carelink.Username,
	}
}

// Forward delivers one completed cycle to every configured target. It is
// registered as a poll listener; targets run detached from the cycle context
// so a slow broker cannot stall the next cycle.
func (s *ForwarderService) Forward(ctx context.Context, snapshot models.RawSnapshot, set *models.ReadingSet) {
	payload, err := json.Marshal(set)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal reading set")
		return
	}

	if s.nc != nil {
		go s.forwardToNATS(payload, set.CycleID)
	}

	if s.mqttCfg.BrokerURL != "" {
		go s.forwardToMQTT(payload, set.CycleID)
	}

	if s.nightscout != nil {
		go func() {
			relayCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			s.nightscout.SendRecentData(relayCtx, snapshot)
		}()
	}
}

// Close disconnects the MQTT client, if one was established.
func (s *ForwarderService) Close() {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()

	if s.mqttClient != nil && s.mqttClient.IsConnected() {
		s.mqttClient.Disconnect(250)
	}
	s.mqttClient = nil
}

func (s *ForwarderService) subject() string {
	return fmt.Sprintf("%s.%s.readings", s.natsCfg.SubjectPrefix, s.username)
}

func (s *ForwarderService) topic() string {
	return strings.ReplaceAll(s.mqttCfg.TopicPattern, "{username}", s.username)
}

func (s *ForwarderService) forwardToNATS(payload []byte, cycleID uuid.UUID) {
	subject := s.subject()
	if err := s.nc.Publish(subject, payload); err != nil {
		log.Error().
			Err(err).
			Str("subject", subject).
			Msg("Failed to publish to NATS")
		return
	}

	log.Debug().
		Str("cycleId", cycleID.String()).
		Str("subject", subject).
		Msg("Readings forwarded to NATS")
}

func (s *ForwarderService) forwardToMQTT(payload []byte, cycleID uuid.UUID) {
	client := s.mqttClientConn()
	if client == nil {
		return
	}

	topic := s.topic()

	token := client.Publish(topic, s.mqttCfg.QoS, false, payload)
	if token.WaitTimeout(5 * time.Second) {
		if err := token.Error(); err != nil {
			log.Error().
				Err(err).
				Str("topic", topic).
				Msg("Failed to publish to MQTT")
		} else {
			log.Debug().
				Str("cycleId", cycleID.String()).
				Str("topic", topic).
				Msg("Readings forwarded to MQTT")
		}
	} else {
		log.Error().
			Str("topic", topic).
			Msg("MQTT publish timeout")
	}
}

// mqttClientConn returns the shared MQTT client, connecting on first use.
func (s *ForwarderService) mqttClientConn() mqtt.Client {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()

	if s.mqttClient != nil {
		return s.mqttClient
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.mqttCfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("carelink-gateway-%s", s.username))

	if s.mqttCfg.Username != "" {
		opts.SetUsername(s.mqttCfg.Username)
		opts.SetPassword(s.mqttCfg.Password)
	}

	if s.mqttCfg.TLS {
		opts.SetTLSConfig(&tls.Config{
			InsecureSkipVerify: true, // TODO: load broker CA from config
		})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().
			Str("broker", s.mqttCfg.BrokerURL).
			Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().
			Err(err).
			Str("broker", s.mqttCfg.BrokerURL).
			Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	if token.WaitTimeout(10*time.Second) && token.Error() == nil {
		s.mqttClient = client
		return client
	}

	log.Error().
		Err(token.Error()).
		Str("broker", s.mqttCfg.BrokerURL).
		Msg("Failed to connect MQTT client")

	return nil
}
