package config

import (
	"encoding/json"
	"log"
	"os"
)

type Config struct {
	Database DatabaseConfig `json:"database"`
	Auth     AuthConfig     `json:"auth"`
	Redis    RedisConfig    `json:"redis"`
	Kafka    KafkaConfig    `json:"kafka"`
	Support  SupportConfig  `json:"support"`
}

type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

type AuthConfig struct {
	JWTSecret     string `json:"jwt_secret"`
	TokenExpiry   int    `json:"token_expiry"`   // in hours
	RefreshExpiry int    `json:"refresh_expiry"` // in hours
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type KafkaConfig struct {
	Brokers       []string `json:"brokers"` // 为空则不启用 Kafka
	Topic         string   `json:"topic"`
	GroupID       string   `json:"group_id"`
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	SASLMechanism string   `json:"sasl_mechanism"` // "", "SCRAM-SHA-256", "SCRAM-SHA-512"
	UseTLS        bool     `json:"use_tls"`
	CertFile      string   `json:"cert_file"`
	KeyFile       string   `json:"key_file"`
	CAFile        string   `json:"ca_file"`
}

type SupportConfig struct {
	// 会话关闭后在活跃表中保留的秒数（只读宽限期）
	SessionGraceSeconds int `json:"session_grace_seconds"`
}

func LoadConfig() (config Config, err error) {
	file, err := os.Open("config/config.json")
	if err != nil {
		return config, err
	}
	defer func(file *os.File) {
		closeErr := file.Close()
		if closeErr != nil {
			log.Printf("Error closing config file: %v", closeErr)
		}
	}(file)
	decoder := json.NewDecoder(file)
	err = decoder.Decode(&config)
	if err != nil {
		return config, err
	}
	return config, nil
}
