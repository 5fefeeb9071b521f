package main

import (
	"context"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/clock"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/event"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
	"time"
)

const (
	requestTopic  = "request"
	responseTopic = "response"
)

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init(cfg.LogPath, cfg.DebugMode)
	logger.Debug("Application initializing...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback, cancel)
	defer cleaner.Clean()

	options, err := buildOptions(cfg)
	if err != nil {
		logger.FatalF("Error occured while parsing config, details: %v", err)
		return
	}

	if cfg.Database.Enabled {
		store, closeCallback, err := database.ConnectDatabase(ctx, cfg)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			return
		}
		cleaner.Add(closeCallback)
		journal := database.NewJournal(store, 256)
		cleaner.Add(journal)
		options = append(options, client.WithJournal(journal))
	}

	broker, err := cfg.BrokerAddress(ctx)
	if err != nil {
		logger.FatalF("Error occured while resolving broker address, details: %v", err)
		return
	}
	state, err := session.New(broker, cfg.ClientID)
	if err != nil {
		logger.FatalF("Error occured while creating session, details: %v", err)
		return
	}

	stack := transport.NewTCPStack()
	if stack.DialTimeout, err = cfg.DialTimeout(); err != nil {
		logger.FatalF("Error occured while parsing dial timeout, details: %v", err)
		return
	}
	pollDelay, err := cfg.PollDelay()
	if err != nil {
		logger.FatalF("Error occured while parsing poll interval, details: %v", err)
		return
	}

	mqttClient := client.New(state, stack, clock.System{}, options...)
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		return mqttClient.Close()
	}))

	logger.InfoF("Client %s starting, broker %s", state.ClientID(), broker)
	run(ctx, cancel, mqttClient, cfg.Subscriptions, pollDelay)
}

func buildOptions(cfg config.Config) ([]client.Option, error) {
	mode, err := cfg.TransportMode()
	if err != nil {
		return nil, err
	}
	keepAlive, err := cfg.KeepAliveSeconds()
	if err != nil {
		return nil, err
	}
	return []client.Option{
		client.WithMode(mode),
		client.WithKeepAlive(keepAlive),
		client.WithCredentials(cfg.Username, cfg.Password),
	}, nil
}

// run 订阅后发送一次带响应主题的请求，收到响应后退出
func run(ctx context.Context, cancel context.CancelFunc, mqttClient *client.Client, subscriptions []string, pollDelay time.Duration) {
	subscribed := false
	published := false

	handler := func(c *client.Client, message *client.Message) {
		logger.InfoF("%s < %s", message.Topic, message.Payload)
		if topic, ok := message.ResponseTopic(); ok {
			if err := c.Publish(topic, []byte("Pong")); err != nil {
				logger.WarnF("Fail to publish response to %s, details: %v", topic, err)
			}
		}
		if message.Topic == responseTopic {
			cancel()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := mqttClient.Poll(handler); err != nil {
			logger.WarnF("Poll failed, details: %v", err)
			subscribed = false
			published = false
		}

		switch {
		case !subscribed && mqttClient.IsConnected():
			for _, topic := range subscriptions {
				if err := mqttClient.Subscribe(topic, nil); err != nil {
					logger.ErrorF("Fail to subscribe %s, details: %v", topic, err)
				}
			}
			subscribed = true
		case subscribed && !published && !mqttClient.SubscriptionsPending():
			logger.InfoF("PUBLISH %s", requestTopic)
			property := mqtt.Property{ID: mqtt.ResponseTopic, Data: []byte(responseTopic)}
			if err := mqttClient.Publish(requestTopic, []byte("Ping"), property); err != nil {
				logger.ErrorF("Fail to publish request, details: %v", err)
			} else {
				published = true
			}
		}

		time.Sleep(pollDelay)
	}
}
