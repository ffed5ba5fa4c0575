package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: valigence:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "valigence"

	// RunModulePrefix 验证运行模块
	RunModulePrefix = "run"
	// QueryModulePrefix RAG问答模块
	QueryModulePrefix = "query"
	// FileModulePrefix 文件模块
	FileModulePrefix = "file"

	// EntityReport 对账报告实体
	EntityReport = "report"
	// EntitySession 问答会话实体
	EntitySession = "session"
	// EntityAnswer 问答结果实体
	EntityAnswer = "answer"
	// EntityDedupSet 去重集合实体
	EntityDedupSet = "dedup_set"
	// EntityMD5ToUUID MD5到RunUUID的映射实体
	EntityMD5ToUUID = "md5_to_uuid"
	// EntityIndexLock 索引构建锁实体
	EntityIndexLock = "index_lock"

	// KeyRunReport 对账报告缓存 (STRING, JSON)
	// 格式: valigence:run:report:{runUUID}
	KeyRunReport = AppPrefix + ":" + RunModulePrefix + ":" + EntityReport + ":%s"

	// KeyQuerySession RAG会话历史 (LIST)
	// 格式: valigence:query:session:{sessionID}
	KeyQuerySession = AppPrefix + ":" + QueryModulePrefix + ":" + EntitySession + ":%s"

	// KeyQueryAnswer 问答结果缓存 (STRING)
	// 格式: valigence:query:answer:{runUUID}:{questionHash}
	KeyQueryAnswer = AppPrefix + ":" + QueryModulePrefix + ":" + EntityAnswer + ":%s:%s"

	// KeyTextMD5Set 解析文本MD5集合，用于快速去重 (SET)
	// 格式: valigence:file:dedup_set
	KeyTextMD5Set = AppPrefix + ":" + FileModulePrefix + ":" + EntityDedupSet

	// KeyTextMD5ToRunUUID MD5到RunUUID的映射 (STRING)
	// 格式: valigence:file:md5_to_uuid:{md5}
	KeyTextMD5ToRunUUID = AppPrefix + ":" + FileModulePrefix + ":" + EntityMD5ToUUID + ":%s"

	// KeyRunIndexLock 向量索引构建分布式锁 (STRING)
	// 格式: valigence:run:index_lock:{runUUID}
	KeyRunIndexLock = AppPrefix + ":" + RunModulePrefix + ":" + EntityIndexLock + ":%s"
)
