package ingest

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/mantle-scada/mantle/internal/config"
	"github.com/mantle-scada/mantle/internal/sparkplug"
)

// Client owns the broker connection. Subscriptions are re-established
// from the OnConnect handler so they survive reconnects, and ordered
// delivery is kept so frames from one edge node apply in sequence.
type Client struct {
	client  mqtt.Client
	filters []string
}

// NewClient builds the MQTT client. onFrame runs on the delivery
// goroutine for every matched message.
func NewClient(cfg *config.Config, onFrame func(topic string, payload []byte)) *Client {
	filters := sparkplug.SubscriptionFilters(cfg.SharedGroup)
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		onFrame(msg.Topic(), msg.Payload())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("Connected to broker")
		for _, f := range filters {
			filter := f
			token := c.Subscribe(filter, 0, handler)
			go func() {
				token.Wait()
				if err := token.Error(); err != nil {
					log.Error().Err(err).Str("filter", filter).Msg("Subscription failed")
					return
				}
				log.Debug().Str("filter", filter).Msg("Subscribed")
			}()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("Broker connection lost, reconnecting")
	})

	return &Client{client: mqtt.NewClient(opts), filters: filters}
}

// Connect dials the broker, honouring ctx cancellation.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends one message at QoS 0.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 0, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, allowing in-flight work a short grace period.
func (c *Client) Close() {
	c.client.Disconnect(250)
}
