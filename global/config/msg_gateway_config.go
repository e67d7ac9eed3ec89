package config

import "fmt"

// 本地多实例联调用的预设节点，端口错开，其余与 Default 一致
var profiles = map[string]func(*AppConfig){
	"gateway_01": func(c *AppConfig) {
		c.NodeId = "gateway_01"
		c.SnowNode = 101
		c.Port = 8080
		c.GrpcPort = 50051
	},
	"gateway_02": func(c *AppConfig) {
		c.NodeId = "gateway_02"
		c.SnowNode = 102
		c.Port = 9090
		c.GrpcPort = 50052
	},
	"standalone": func(c *AppConfig) {
		c.NodeId = "standalone"
		c.SnowNode = 1
		c.Bus = BusLocal
	},
}

// ApplyProfile 覆盖节点身份相关字段
func ApplyProfile(cfg *AppConfig, name string) error {
	if name == "" {
		return nil
	}
	p, ok := profiles[name]
	if !ok {
		return fmt.Errorf("unknown profile %q", name)
	}
	p(cfg)
	return nil
}
