package config

import "time"

const (
	BusNats  = "nats"
	BusRedis = "redis"
	BusLocal = "local"
)

type AppConfig struct {
	NodeId   string `yaml:"nodeId"`   // 实例ID，参与 origin / liveness member 命名
	SnowNode int64  `yaml:"snowNode"` // 雪花节点号 0~1023
	Port     int    `yaml:"port"`     // http / ws 启动端口
	GrpcPort int    `yaml:"grpcPort"`
	LogLevel string `yaml:"logLevel"`
	Bus      string `yaml:"bus"` // nats | redis | local

	// PresencePeer 另一实例的 gRPC 地址；本地查不到 presence 时向它查，为空不启用
	PresencePeer string `yaml:"presencePeer"`

	Jwt      JwtConfig      `yaml:"jwt"`
	Redis    RedisConfig    `yaml:"redis"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Nats     NatsConfig     `yaml:"nats"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Postgres PostgresConfig `yaml:"postgres"`
	Nacos    NacosConfig    `yaml:"nacos"`
	WS       WSConfig       `yaml:"ws"`
	Cache    CacheConfig    `yaml:"cache"`
	Tunables Tunables       `yaml:"tunables"`
}

type JwtConfig struct {
	Secret string `yaml:"secret"`
	Alg    string `yaml:"alg"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

type MongoConfig struct {
	Uri         string `yaml:"uri"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	MaxPoolSize int    `yaml:"maxPoolSize"`
}

type NatsConfig struct {
	Servers       []string      `yaml:"servers"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	ReconnectWait time.Duration `yaml:"reconnectWait"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"` // 通知投递 topic

	Partitions  int32  `yaml:"partitions"`
	Replication int16  `yaml:"replication"`
	Retries     int    `yaml:"retries"`
	Compression string `yaml:"compression"` // none/snappy/lz4/zstd
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        uint64 `yaml:"port"`
	NamespaceId string `yaml:"namespaceId"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DataId      string `yaml:"dataId"`
	Group       string `yaml:"group"`
	ServiceName string `yaml:"serviceName"` // 注册到 naming 的服务名
	AdvertiseIp string `yaml:"advertiseIp"` // 为空时取本机第一个非回环 IPv4
}

type WSConfig struct {
	PingInterval time.Duration `yaml:"pingInterval"`
	PongWait     time.Duration `yaml:"pongWait"`
	WriteWait    time.Duration `yaml:"writeWait"`
	SendBuffer   int           `yaml:"sendBuffer"`
	MaxFrame     int64         `yaml:"maxFrame"`

	AllowedOrigins []string `yaml:"allowedOrigins"` // 为空不校验
}

type CacheConfig struct {
	Namespace   string        `yaml:"namespace"`
	DefaultTTL  time.Duration `yaml:"defaultTTL"`
	LocalMaxMem int64         `yaml:"localMaxMem"` // ristretto MaxCost (bytes)
}

// Tunables 可通过 nacos 热更新
type Tunables struct {
	PresenceGrace   time.Duration `yaml:"presenceGrace"`   // 断线去抖窗口
	PresenceTTL     time.Duration `yaml:"presenceTTL"`     // presence 读缓存 TTL
	ConnTTL         time.Duration `yaml:"connTTL"`         // 连接心跳超时
	TypingTTL       time.Duration `yaml:"typingTTL"`       // 输入状态自清除
	ConversationTTL time.Duration `yaml:"conversationTTL"` // 会话缓存
	HistoryLimit    int           `yaml:"historyLimit"`
}
