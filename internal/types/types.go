package types

// 所有配置结构体统一在这里，同时带 ini 与 yaml 标签

// BridgeConf 包含连接表、reactor 与本地事件通道的配置
type BridgeConf struct {
	MaxClients      int    `ini:"max_clients" yaml:"max_clients"`
	MaxSendLen      int    `ini:"max_send_len" yaml:"max_send_len"`
	RecvBufferSize  int    `ini:"recv_buffer_size" yaml:"recv_buffer_size"`
	InboundQueueLen int    `ini:"inbound_queue_len" yaml:"inbound_queue_len"`
	PollIntervalMs  int    `ini:"poll_interval_ms" yaml:"poll_interval_ms"`
	ConnectTimeout  int    `ini:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	SendTimeoutMs   int    `ini:"send_timeout_ms" yaml:"send_timeout_ms"`
	SendRetries     int    `ini:"send_retries" yaml:"send_retries"`
	SendRetryMs     int    `ini:"send_retry_delay_ms" yaml:"send_retry_delay_ms"`
	KeepAliveSec    int    `ini:"keepalive_sec" yaml:"keepalive_sec"`
	LingerSec       int    `ini:"linger_sec" yaml:"linger_sec"`
	ServerTimeout   int    `ini:"server_timeout_sec" yaml:"server_timeout_sec"`
	LocalChannel    string `ini:"local_channel" yaml:"local_channel"` // "inproc" or "loopback"
	ChannelDepth    int    `ini:"local_channel_depth" yaml:"local_channel_depth"`
	SubmitRetries   int    `ini:"submit_retries" yaml:"submit_retries"`
	SubmitBackoffMs int    `ini:"submit_backoff_ms" yaml:"submit_backoff_ms"`
	Multiplex       bool   `ini:"multiplex" yaml:"multiplex"`
}

// PassthroughConf 包含透传模式 (ping/pong 缓冲) 的配置
type PassthroughConf struct {
	BufferSize      int    `ini:"buffer_size" yaml:"buffer_size"`
	ChunkSize       int    `ini:"chunk_size" yaml:"chunk_size"`
	FlushIntervalMs int    `ini:"flush_interval_ms" yaml:"flush_interval_ms"`
	RetryPollMs     int    `ini:"retry_poll_ms" yaml:"retry_poll_ms"`
	Terminator      string `ini:"terminator" yaml:"terminator"`
}

// HostConf 描述与主机 MCU 之间的字节流传输
type HostConf struct {
	Mode       string `ini:"mode" yaml:"mode"` // stdio, serial, tcp, websocket
	Device     string `ini:"device" yaml:"device"`
	Baud       int    `ini:"baud" yaml:"baud"`
	ListenAddr string `ini:"listen_addr" yaml:"listen_addr"`
	WsPath     string `ini:"ws_path" yaml:"ws_path"`
	Echo       bool   `ini:"echo" yaml:"echo"`
}

// LogConf 日志配置
type LogConf struct {
	Level   string `ini:"level" yaml:"level"`
	Format  string `ini:"format" yaml:"format"` // console or json
	LogFile string `ini:"file" yaml:"file"`
}

// WebConf 只读状态 API 配置；Port 为 0 时关闭
type WebConf struct {
	Port int `ini:"port" yaml:"port"`
}

// Config 是整个应用程序的统一配置结构体
type Config struct {
	BridgeConf      `ini:"bridge" yaml:"bridge"`
	PassthroughConf `ini:"passthrough" yaml:"passthrough"`
	HostConf        `ini:"host" yaml:"host"`
	LogConf         `ini:"log" yaml:"log"`
	WebConf         `ini:"web" yaml:"web"`
}
