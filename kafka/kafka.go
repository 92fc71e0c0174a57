package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"LiteSupport/config"

	"github.com/IBM/sarama"
)

func NewSaramaConfig(cfg *config.KafkaConfig) (*sarama.Config, error) {
	c := sarama.NewConfig()
	c.Version = sarama.V2_8_0_0

	// 生产者配置
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = 3
	c.Producer.Return.Successes = true
	c.Producer.Partitioner = sarama.NewHashPartitioner // 同一会话的事件进同一分区
	c.Producer.Interceptors = []sarama.ProducerInterceptor{NewSessionEventInterceptor()}

	// 消费者配置
	c.Consumer.Return.Errors = true
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	c.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin

	// 认证配置

	// 1. SASL 认证（SCRAM 或 PLAIN）
	if cfg.Username != "" && cfg.Password != "" {
		c.Net.SASL.Enable = true
		c.Net.SASL.User = cfg.Username
		c.Net.SASL.Password = cfg.Password
		c.Net.SASL.Handshake = true

		switch cfg.SASLMechanism {
		case "SCRAM-SHA-256":
			c.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			c.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
			}
		case "SCRAM-SHA-512":
			c.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			c.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
			}
		default:
			c.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	// 2. TLS 配置
	if cfg.UseTLS {
		tlsConfig, err := createTLSConfig(cfg.CertFile, cfg.KeyFile, cfg.CAFile)
		if err != nil {
			return nil, err
		}
		c.Net.TLS.Enable = true
		c.Net.TLS.Config = tlsConfig
	}

	return c, nil
}

// 创建TLS配置
func createTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	// 加载CA证书
	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}

		caCertPool := x509.NewCertPool()
		caCertPool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = caCertPool
	}

	// 加载客户端证书
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	tlsConfig.InsecureSkipVerify = false

	return tlsConfig, nil
}
