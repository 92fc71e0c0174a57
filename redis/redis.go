package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"LiteSupport/config"

	"github.com/redis/go-redis/v9"
)

const operatorPresenceKey = "support:online_operators"

type RedisClient struct {
	Client *redis.Client
}

// NewRedisClient 初始化并返回一个新的 RedisClient 实例
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password, // 密码，没有则留空
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
		// 可选：添加超时配置
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// PING 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("redis client connection test failed: %w", err)
	}

	return &RedisClient{
		Client: client,
	}, nil
}

// Close 关闭 Redis 连接
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// OperatorInfo 在线客服信息（用于在线列表）
type OperatorInfo struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
}

// AddOnlineOperator 把客服加入在线列表
func (r *RedisClient) AddOnlineOperator(ctx context.Context, info OperatorInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	// Hash 存储，field 为 user_id，value 为客服信息 JSON
	field := fmt.Sprintf("%d", info.UserID)
	if err := r.Client.HSet(ctx, operatorPresenceKey, field, data).Err(); err != nil {
		return fmt.Errorf("failed to add operator to Redis: %w", err)
	}

	// 设置过期时间（24小时）
	r.Client.Expire(ctx, operatorPresenceKey, 24*time.Hour)
	return nil
}

// RemoveOnlineOperator 把客服移出在线列表
func (r *RedisClient) RemoveOnlineOperator(ctx context.Context, userID uint) error {
	field := fmt.Sprintf("%d", userID)
	if err := r.Client.HDel(ctx, operatorPresenceKey, field).Err(); err != nil {
		return fmt.Errorf("failed to remove operator from Redis: %w", err)
	}
	return nil
}

// GetOnlineOperators 获取当前在线客服列表
func (r *RedisClient) GetOnlineOperators(ctx context.Context) ([]OperatorInfo, error) {
	result, err := r.Client.HGetAll(ctx, operatorPresenceKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch online operators: %w", err)
	}

	operators := make([]OperatorInfo, 0, len(result))
	for _, data := range result {
		var info OperatorInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			log.Printf("Failed to unmarshal operator info: %v", err)
			continue
		}
		operators = append(operators, info)
	}
	return operators, nil
}
