package domain

import (
	"errors"
	"fmt"
	"strings"
)

// 目录核心错误分类。提交/回滚相关的错误整体中止操作；
// CandidateServiceError 可恢复（降级为人工复核）
var (
	// ErrConcurrentModification 并发的 commit/rollback 竞争（advisory lock 未获得）
	ErrConcurrentModification = errors.New("catalog is being modified by a concurrent commit or rollback")

	// ErrVersionNotFound 既无快照也无 xlsx 工件可重建
	ErrVersionNotFound = errors.New("catalog version not found")

	// ErrAmbiguousSynonym 同义词解析到多个 metric_id：数据完整性故障，绝不应出现
	ErrAmbiguousSynonym = errors.New("synonym resolves to more than one metric")

	// ErrPendingNotFound 待复核记录不存在
	ErrPendingNotFound = errors.New("pending resolution not found")
)

// FormatError 表格格式错误（缺 sheet/列、数值列非数值）
type FormatError struct {
	Problems []string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("spreadsheet format error: %s", strings.Join(e.Problems, "; "))
}

// ValidationError 引用/数值完整性校验失败。
// Errors 一次性返回全部问题，让管理员一轮修完表格
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("catalog validation failed with %d errors", len(e.Errors))
}

// CandidateServiceError 候选生成服务调用失败/超时（可恢复）
type CandidateServiceError struct {
	Err error
}

func (e *CandidateServiceError) Error() string {
	return fmt.Sprintf("candidate generation service failed: %v", e.Err)
}

func (e *CandidateServiceError) Unwrap() error { return e.Err }
