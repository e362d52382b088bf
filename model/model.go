package model

// ============================================================================
// 持久化模型（SQLite）
// 以下结构体的 GORM tag 是数据库表结构的唯一真相来源 (Single Source of Truth)。
// 表结构在打开数据库时通过 GORM AutoMigrate 自动创建/更新。
//
// 索引总览：
//
//	表          索引名          列               类型    用途
//	─────────── ─────────────── ──────────────── ─────── ─────────────────────────
//	t_message   PK              id               主键    按消息 ID 精确查询 / 游标分页
//	t_message   idx_room_ts     (room_id, ts)    复合    按房间拉取最近消息
//	                                                     典型查询: WHERE room_id = ? ORDER BY ts DESC LIMIT ?
//	t_message   idx_ts          ts               普通    TTL 清理扫描
//	                                                     典型查询: WHERE ts < ?
//
// ============================================================================

// Message 消息表，保留策略（TTL + 房间容量上限）由清理任务维护。
//
// ID 是 ULID：按时间排序的 26 字符字典序标识，同一房间内 ID 顺序与 ts
// 顺序一致（同毫秒由单调熵源保证）。DisplayName 是发送时刻的快照，
// 之后的改名不会回写历史行。
type Message struct {
	ID          string   `gorm:"primaryKey;column:id;type:text;not null" json:"id"`
	RoomID      string   `gorm:"column:room_id;type:text;not null;index:idx_room_ts,priority:1" json:"room_id"`
	UserID      string   `gorm:"column:user_id;type:text;not null" json:"user_id"`
	DisplayName string   `gorm:"column:display_name;type:text;not null" json:"display_name"`
	Text        string   `gorm:"column:text;type:text;not null" json:"text"`
	Mentions    []string `gorm:"column:mentions;serializer:json" json:"mentions,omitempty"`
	Ts          int64    `gorm:"column:ts;type:integer;not null;index:idx_room_ts,priority:2;index:idx_ts" json:"ts"`
}

// TableName 指定表名
func (Message) TableName() string {
	return "t_message"
}

// AllModels 返回所有需要迁移的模型
func AllModels() []interface{} {
	return []interface{}{
		&Message{},
	}
}
