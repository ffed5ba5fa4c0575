package processor

import (
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/rs/zerolog"

	"valigence/internal/agent"
	"valigence/internal/storage"
)

// Settings 服务级设置，与组件依赖分离
type Settings struct {
	// 是否输出调试日志
	Debug bool

	// 日志记录器
	Logger zerolog.Logger

	// 索引分布式锁的持有时长
	IndexLockTTL time.Duration

	// 时区，用于时间戳落库
	TimeLocation *time.Location
}

// defaultSettings 返回零配置下的安全默认值
func defaultSettings() Settings {
	return Settings{
		Debug:        false,
		Logger:       zerolog.Nop(),
		IndexLockTTL: 5 * time.Minute,
		TimeLocation: time.Local,
	}
}

// ComponentOpt 组件选项类型，仅改变 Components 结构体内的字段
type ComponentOpt func(*Components)

// SettingOpt 设置选项类型，仅改变 Settings 结构体内的字段
type SettingOpt func(*Settings)

// ----- 组件选项 -----

// WithStorage 设置存储聚合组件
func WithStorage(s *storage.Storage) ComponentOpt {
	return func(c *Components) {
		c.Storage = s
	}
}

// WithDocExtractor 设置PDF文本提取器组件
func WithDocExtractor(extractor DocumentExtractor) ComponentOpt {
	return func(c *Components) {
		c.DocExtractor = extractor
	}
}

// WithXMLParser 设置XML权威角色解析器组件
func WithXMLParser(parser RoleSource) ComponentOpt {
	return func(c *Components) {
		c.XMLParser = parser
	}
}

// WithRoleExtractor 设置LLM角色提取器组件
func WithRoleExtractor(extractor RoleExtractor) ComponentOpt {
	return func(c *Components) {
		c.RoleExtractor = extractor
	}
}

// WithEmbedder 设置文档向量嵌入器组件
func WithEmbedder(embedder TextEmbedder) ComponentOpt {
	return func(c *Components) {
		c.Embedder = embedder
	}
}

// WithQueryEmbedder 设置查询向量嵌入器组件
func WithQueryEmbedder(embedder TextEmbedder) ComponentOpt {
	return func(c *Components) {
		c.QueryEmbedder = embedder
	}
}

// WithChatModel 设置RAG问答模型组件
func WithChatModel(chatModel model.ToolCallingChatModel) ComponentOpt {
	return func(c *Components) {
		c.ChatModel = chatModel
	}
}

// WithMemory 设置RAG会话记忆组件
func WithMemory(memory agent.SessionMemory) ComponentOpt {
	return func(c *Components) {
		c.Memory = memory
	}
}

// ----- 设置选项 -----

// WithDebug 设置调试模式
func WithDebug(debug bool) SettingOpt {
	return func(s *Settings) {
		s.Debug = debug
	}
}

// WithServiceLogger 设置日志记录器
func WithServiceLogger(logger zerolog.Logger) SettingOpt {
	return func(s *Settings) {
		s.Logger = logger
	}
}

// WithIndexLockTTL 设置索引分布式锁的持有时长
func WithIndexLockTTL(ttl time.Duration) SettingOpt {
	return func(s *Settings) {
		if ttl > 0 {
			s.IndexLockTTL = ttl
		}
	}
}

// WithTimeLocation 设置时区
func WithTimeLocation(loc *time.Location) SettingOpt {
	return func(s *Settings) {
		if loc != nil {
			s.TimeLocation = loc
		} else {
			s.TimeLocation = time.Local
		}
	}
}

// applyOptions 构造组件和设置并应用全部选项
func applyOptions(compOpts []ComponentOpt, setOpts []SettingOpt) (Components, Settings) {
	components := Components{}
	for _, opt := range compOpts {
		opt(&components)
	}

	settings := defaultSettings()
	for _, opt := range setOpts {
		opt(&settings)
	}
	return components, settings
}
