package database

import (
	"context"
	"crypto/tls"
	"fmt"
	c "github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"net/url"
	"time"
)

type DBCloseCallback struct {
	client  *mongo.Client
	timeout time.Duration
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, dc.timeout)
	defer cancel()
	return dc.client.Disconnect(ctx)
}

func parseDuration(name string, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := utils.ParseStringTime(value)
	if err != nil {
		return 0, fmt.Errorf("database.%s: %w", name, err)
	}
	return d, nil
}

// ConnectDatabase 连接 MongoDB 并返回事件存储和关闭回调
func ConnectDatabase(ctx context.Context, config c.Config) (*DBStore, *DBCloseCallback, error) {
	logger.DebugF("Connecting to database...")
	dbConfig := config.Database

	durations := map[string]string{
		"operation_timeout":    dbConfig.OperationTimeout,
		"connect_idle_timeout": dbConfig.ConnectIdleTimeout,
		"connect_timeout":      dbConfig.ConnectTimeout,
		"socket_timeout":       dbConfig.SocketTimeout,
		"heartbeat":            dbConfig.Heartbeat,
	}
	parsed := make(map[string]time.Duration, len(durations))
	for name, value := range durations {
		d, err := parseDuration(name, value)
		if err != nil {
			return nil, nil, err
		}
		parsed[name] = d
	}

	// 编码特殊字符
	credentials := ""
	if dbConfig.Username != "" {
		credentials = url.QueryEscape(dbConfig.Username) + ":" + url.QueryEscape(dbConfig.Password) + "@"
	}
	databaseUrl := fmt.Sprintf("mongodb://%s%s:%d/?authSource=admin",
		credentials,
		dbConfig.Host,
		dbConfig.Port,
	)

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(config.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(dbConfig.MinPoolSize) // 最小连接数
	clientOptions.SetMaxPoolSize(dbConfig.MaxPoolSize) // 最大连接数
	if d := parsed["connect_idle_timeout"]; d > 0 {
		clientOptions.SetMaxConnIdleTime(d)
	}
	// 超时限制
	if d := parsed["connect_timeout"]; d > 0 {
		clientOptions.SetConnectTimeout(d)
	}
	if d := parsed["socket_timeout"]; d > 0 {
		clientOptions.SetSocketTimeout(d)
	}
	// 心跳包
	if d := parsed["heartbeat"]; d > 0 {
		clientOptions.SetHeartbeatInterval(d)
	}
	// TLS
	if dbConfig.UseTLS {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: false,
		}
		clientOptions.SetTLSConfig(tlsConfig)
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %+v", evt)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %+v", evt)
			}
		},
	})

	// 创建客户端
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("error occured while connecting to database: %v", err)
	}

	// 验证连接
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, nil, fmt.Errorf("error occured while pinging database: %v", err)
	}

	store := NewDatabaseStore(client, dbConfig.Database, parsed["operation_timeout"])

	_, err = store.events.Indexes().CreateOne(
		connectCtx,
		mongo.IndexModel{
			Keys:    bson.D{{Key: "client_id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("session_events_client_id_created_at"),
		},
	)

	if err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, nil, fmt.Errorf("error occured while creating database indexes: %v", err)
	}

	timeout := parsed["operation_timeout"]
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return store, &DBCloseCallback{client: client, timeout: timeout}, nil
}
