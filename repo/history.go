package repo

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/huddle/model"
	"github.com/oklog/ulid/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrStorageUnavailable 底层 I/O 失败。稳态下 Append 不会返回错误。
var ErrStorageUnavailable = errors.New("storage unavailable")

const (
	// DefaultRetentionTTL 消息保留时长
	DefaultRetentionTTL = 24 * time.Hour
	// DefaultPerRoomCap 每个房间保留的最新消息数上限
	DefaultPerRoomCap = 500
	// DefaultQueryLimit recent/before 的默认条数
	DefaultQueryLimit = 100

	// capGuardSlack 写入时的容量护栏余量：超过 cap + slack 触发一次按需清理
	capGuardSlack = 50
)

// HistoryStore 最近消息的追加式可查询缓冲，系统内消息顺序的唯一真相来源。
type HistoryStore interface {
	// Append 分配 id 与 ts 并原子持久化一行，返回组装好的记录。
	Append(ctx context.Context, roomID, userID, displayName, text string, mentions []string) (*model.Message, error)
	// Recent 返回该房间最新的至多 limit 条消息，按时间从旧到新。
	Recent(ctx context.Context, roomID string, limit int) ([]*model.Message, error)
	// Since 返回该房间 ts > tsExclusive 的全部消息，按时间从旧到新。
	Since(ctx context.Context, roomID string, tsExclusive int64) ([]*model.Message, error)
	// Before 返回 id 严格小于 idExclusive 的至多 limit 条消息，按时间从旧到新。
	Before(ctx context.Context, roomID, idExclusive string, limit int) ([]*model.Message, error)
	// Sweep 执行保留策略，返回 (TTL 删除数, 容量删除数)。
	Sweep(ctx context.Context, now time.Time) (int64, int64, error)
	// SweepRequests 写入护栏触发的按需清理信号（缓冲为 1，自动合并）。
	SweepRequests() <-chan struct{}
	// Close 释放数据库资源。
	Close() error
}

// HistoryOption 配置 historyStore 的选项
type HistoryOption func(*historyStore)

// WithHistoryLogger 设置日志记录器
func WithHistoryLogger(logger clog.Logger) HistoryOption {
	return func(s *historyStore) {
		s.logger = logger.WithNamespace("history")
	}
}

// WithRetention 设置保留策略参数
func WithRetention(ttl time.Duration, perRoomCap int) HistoryOption {
	return func(s *historyStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
		if perRoomCap > 0 {
			s.cap = perRoomCap
		}
	}
}

// WithClock 注入时钟，仅用于测试
func WithClock(now func() time.Time) HistoryOption {
	return func(s *historyStore) {
		s.now = now
	}
}

type historyStore struct {
	db     *gorm.DB
	logger clog.Logger
	now    func() time.Time
	ttl    time.Duration
	cap    int

	// mu 串行化 id 分配与写入，保证 id 顺序与 Append 完成顺序一致
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy

	sweepCh chan struct{}
}

// Open 打开（必要时创建）SQLite 历史库并完成表迁移。
// WAL + busy_timeout 由 DSN pragma 固定下来，追加边界即持久化边界。
func Open(path string, opts ...HistoryOption) (HistoryStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := gormDB.AutoMigrate(model.AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate history table: %w", err)
	}

	s := &historyStore{
		db:      gormDB,
		logger:  clog.Discard(),
		now:     time.Now,
		ttl:     DefaultRetentionTTL,
		cap:     DefaultPerRoomCap,
		entropy: ulid.Monotonic(crand.Reader, 0),
		sweepCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append 实现 HistoryStore 接口
func (s *historyStore) Append(ctx context.Context, roomID, userID, displayName, text string, mentions []string) (*model.Message, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room_id cannot be empty")
	}
	if userID == "" {
		return nil, fmt.Errorf("user_id cannot be empty")
	}
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	// 临界区覆盖 id 分配与写入：同房间内 id 顺序即持久化顺序
	s.mu.Lock()
	t := s.now()
	id, err := ulid.New(ulid.Timestamp(t), s.entropy)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	msg := &model.Message{
		ID:          id.String(),
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
		Text:        text,
		Mentions:    mentions,
		Ts:          t.UnixMilli(),
	}

	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		s.mu.Unlock()
		s.logger.Error("保存消息失败",
			clog.String("room_id", roomID),
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.mu.Unlock()

	s.maybeRequestSweep(ctx, roomID)
	return msg, nil
}

// maybeRequestSweep 容量护栏：房间行数超过 cap + slack 时发出清理信号。
// 信号通道缓冲为 1，重复触发自动合并。
func (s *historyStore) maybeRequestSweep(ctx context.Context, roomID string) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("room_id = ?", roomID).
		Count(&n).Error; err != nil {
		return
	}
	if n <= int64(s.cap+capGuardSlack) {
		return
	}
	select {
	case s.sweepCh <- struct{}{}:
	default:
	}
}

// Recent 实现 HistoryStore 接口
func (s *historyStore) Recent(ctx context.Context, roomID string, limit int) ([]*model.Message, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room_id cannot be empty")
	}
	limit = clampLimit(limit)

	// 先倒序取“最近 limit 条”，再在内存反转为升序输出
	var messages []*model.Message
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("ts DESC").Order("id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		s.logger.Error("拉取最近消息失败",
			clog.String("room_id", roomID),
			clog.Int("limit", limit),
			clog.Error(err))
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}

	reverse(messages)
	return messages, nil
}

// Since 实现 HistoryStore 接口
func (s *historyStore) Since(ctx context.Context, roomID string, tsExclusive int64) ([]*model.Message, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room_id cannot be empty")
	}

	var messages []*model.Message
	if err := s.db.WithContext(ctx).
		Where("room_id = ? AND ts > ?", roomID, tsExclusive).
		Order("ts ASC").Order("id ASC").
		Find(&messages).Error; err != nil {
		s.logger.Error("拉取增量消息失败",
			clog.String("room_id", roomID),
			clog.Int64("since_ts", tsExclusive),
			clog.Error(err))
		return nil, fmt.Errorf("failed to query messages since ts: %w", err)
	}

	return messages, nil
}

// Before 实现 HistoryStore 接口。游标取排他语义：id < idExclusive。
func (s *historyStore) Before(ctx context.Context, roomID, idExclusive string, limit int) ([]*model.Message, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room_id cannot be empty")
	}
	if idExclusive == "" {
		return nil, fmt.Errorf("before_id cannot be empty")
	}
	limit = clampLimit(limit)

	var messages []*model.Message
	if err := s.db.WithContext(ctx).
		Where("room_id = ? AND id < ?", roomID, idExclusive).
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		s.logger.Error("回翻历史消息失败",
			clog.String("room_id", roomID),
			clog.String("before_id", idExclusive),
			clog.Error(err))
		return nil, fmt.Errorf("failed to query messages before id: %w", err)
	}

	reverse(messages)
	return messages, nil
}

// Sweep 实现 HistoryStore 接口。
// 先按 TTL 删除过期行，再把每个超限房间裁剪到最新 cap 条。
func (s *historyStore) Sweep(ctx context.Context, now time.Time) (int64, int64, error) {
	cutoff := now.Add(-s.ttl).UnixMilli()

	ttlResult := s.db.WithContext(ctx).
		Where("ts < ?", cutoff).
		Delete(&model.Message{})
	if ttlResult.Error != nil {
		return 0, 0, fmt.Errorf("ttl sweep failed: %w", ttlResult.Error)
	}
	ttlDeleted := ttlResult.RowsAffected

	type roomCount struct {
		RoomID string
		N      int64
	}
	var overCap []roomCount
	if err := s.db.WithContext(ctx).Model(&model.Message{}).
		Select("room_id, COUNT(*) AS n").
		Group("room_id").
		Having("COUNT(*) > ?", s.cap).
		Scan(&overCap).Error; err != nil {
		return ttlDeleted, 0, fmt.Errorf("cap sweep scan failed: %w", err)
	}

	var capDeleted int64
	for _, rc := range overCap {
		// 第 cap 新的 id 是保留下界，比它更旧（更小）的全部删除
		var ids []string
		if err := s.db.WithContext(ctx).Model(&model.Message{}).
			Where("room_id = ?", rc.RoomID).
			Order("id DESC").
			Offset(s.cap - 1).Limit(1).
			Pluck("id", &ids).Error; err != nil {
			return ttlDeleted, capDeleted, fmt.Errorf("cap sweep boundary failed: %w", err)
		}
		if len(ids) == 0 {
			continue
		}
		boundary := ids[0]

		result := s.db.WithContext(ctx).
			Where("room_id = ? AND id < ?", rc.RoomID, boundary).
			Delete(&model.Message{})
		if result.Error != nil {
			return ttlDeleted, capDeleted, fmt.Errorf("cap sweep delete failed: %w", result.Error)
		}
		capDeleted += result.RowsAffected
	}

	if ttlDeleted > 0 || capDeleted > 0 {
		s.logger.Debug("清理完成",
			clog.Int64("ttl_deleted", ttlDeleted),
			clog.Int64("cap_deleted", capDeleted))
	}
	return ttlDeleted, capDeleted, nil
}

// SweepRequests 实现 HistoryStore 接口
func (s *historyStore) SweepRequests() <-chan struct{} {
	return s.sweepCh
}

// Close 实现 HistoryStore 接口
func (s *historyStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func reverse(messages []*model.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
