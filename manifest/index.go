package manifest

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/enzymeflow/artifacts"
	"github.com/BaSui01/enzymeflow/internal/database"
	"github.com/BaSui01/enzymeflow/types"
)

// =============================================================================
// 🗂️ 清单查询索引
// =============================================================================
// JSONL 清单是唯一的事实来源；Index 只是一份可重建的 SQL 副本，
// 用于跨运行查询"谁产出了这个哈希""某步骤跑过哪些次"。

// 引用方向
const (
	DirectionInput  = "input"
	DirectionOutput = "output"
)

// IndexedEntry 清单条目的索引行
type IndexedEntry struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	RunID      string    `gorm:"size:64;not null;index:idx_run_seq" json:"run_id"`
	Sequence   int       `gorm:"not null;index:idx_run_seq" json:"sequence"`
	StepID     string    `gorm:"size:128;not null;index" json:"step_id"`
	Status     string    `gorm:"size:16;not null" json:"status"`
	ErrorCode  string    `gorm:"size:64" json:"error_code,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// Raw 完整条目 JSON，用于还原 Entry
	Raw string `gorm:"type:text" json:"-"`
}

// TableName 指定表名
func (IndexedEntry) TableName() string { return "manifest_entries" }

// IndexedArtifact 条目引用的产物版本
type IndexedArtifact struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	EntryID   string `gorm:"size:64;not null;uniqueIndex:idx_entry_ref" json:"entry_id"`
	Direction string `gorm:"size:8;not null;uniqueIndex:idx_entry_ref" json:"direction"`
	Name      string `gorm:"size:128;not null;uniqueIndex:idx_entry_ref" json:"name"`
	Hash      string `gorm:"size:64;index" json:"hash"`
	Location  string `gorm:"size:512" json:"location"`
	Schema    string `gorm:"size:128" json:"schema"`
}

// TableName 指定表名
func (IndexedArtifact) TableName() string { return "manifest_artifacts" }

// Index 基于 GORM 的清单索引，实现 Sink
type Index struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewIndex 创建索引并自动迁移表结构
func NewIndex(ctx context.Context, pool *database.PoolManager, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().WithContext(ctx).AutoMigrate(&IndexedEntry{}, &IndexedArtifact{}); err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "migrate manifest index").WithCause(err)
	}
	return &Index{pool: pool, logger: logger.With(zap.String("component", "manifest_index"))}, nil
}

// Append 写入一条清单条目；重复写入同一条目是幂等的
func (x *Index) Append(ctx context.Context, e Entry) error {
	row, refs, err := toRows(e)
	if err != nil {
		return err
	}
	err = x.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		if len(refs) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&refs).Error
	})
	if err != nil {
		return types.Errorf(types.ErrStorageIO, "index manifest entry %s", e.ID).WithCause(err)
	}
	return nil
}

func toRows(e Entry) (IndexedEntry, []IndexedArtifact, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return IndexedEntry{}, nil, types.NewError(types.ErrStorageIO, "marshal manifest entry").WithCause(err)
	}
	row := IndexedEntry{
		ID:         e.ID,
		RunID:      e.RunID,
		Sequence:   e.Sequence,
		StepID:     e.StepID,
		Status:     string(e.Status),
		StartedAt:  e.StartedAt,
		FinishedAt: e.FinishedAt,
		Raw:        string(raw),
	}
	if e.Error != nil {
		row.ErrorCode = e.Error.Code
	}

	refs := make([]IndexedArtifact, 0, len(e.Inputs)+len(e.Outputs))
	add := func(dir string, list []artifacts.Ref) {
		for _, r := range list {
			refs = append(refs, IndexedArtifact{
				EntryID:   e.ID,
				Direction: dir,
				Name:      r.Name,
				Hash:      r.Hash,
				Location:  r.Location(),
				Schema:    r.Schema.String(),
			})
		}
	}
	add(DirectionInput, e.Inputs)
	add(DirectionOutput, e.Outputs)
	return row, refs, nil
}

// ProducersOf 返回输出过该哈希的全部条目，按完成时间升序
func (x *Index) ProducersOf(ctx context.Context, hash string) ([]Entry, error) {
	var rows []IndexedEntry
	err := x.pool.DB().WithContext(ctx).
		Joins("JOIN manifest_artifacts ON manifest_artifacts.entry_id = manifest_entries.id").
		Where("manifest_artifacts.direction = ? AND manifest_artifacts.hash = ?", DirectionOutput, hash).
		Order("manifest_entries.finished_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageIO, "query producers").WithCause(err)
	}
	return fromRows(rows)
}

// RunsFor 返回某步骤的全部条目，按完成时间升序
func (x *Index) RunsFor(ctx context.Context, stepID string) ([]Entry, error) {
	var rows []IndexedEntry
	err := x.pool.DB().WithContext(ctx).
		Where("step_id = ?", stepID).
		Order("finished_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageIO, "query step runs").WithCause(err)
	}
	return fromRows(rows)
}

// RunEntries 返回某次运行的全部条目，按序号升序
func (x *Index) RunEntries(ctx context.Context, runID string) ([]Entry, error) {
	var rows []IndexedEntry
	err := x.pool.DB().WithContext(ctx).
		Where("run_id = ?", runID).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageIO, "query run entries").WithCause(err)
	}
	return fromRows(rows)
}

func fromRows(rows []IndexedEntry) ([]Entry, error) {
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		var e Entry
		if err := json.Unmarshal([]byte(r.Raw), &e); err != nil {
			return nil, types.Errorf(types.ErrCorruptDocument, "indexed entry %s", r.ID).WithCause(err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Rebuild 用清单文件的内容重建该运行在索引中的数据，返回写入的条目数
func (x *Index) Rebuild(ctx context.Context, m *Manifest) (int, error) {
	entries := m.Entries()
	err := x.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&IndexedEntry{}).Where("run_id = ?", m.RunID()).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) > 0 {
			if err := tx.Where("entry_id IN ?", ids).Delete(&IndexedArtifact{}).Error; err != nil {
				return err
			}
			if err := tx.Where("run_id = ?", m.RunID()).Delete(&IndexedEntry{}).Error; err != nil {
				return err
			}
		}
		for _, e := range entries {
			row, refs, err := toRows(e)
			if err != nil {
				return err
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			if len(refs) > 0 {
				if err := tx.Create(&refs).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, types.Errorf(types.ErrStorageIO, "rebuild index for run %s", m.RunID()).WithCause(err)
	}
	x.logger.Info("manifest index rebuilt", zap.String("run_id", m.RunID()), zap.Int("entries", len(entries)))
	return len(entries), nil
}
