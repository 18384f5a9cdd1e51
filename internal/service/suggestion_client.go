package service

import (
	"context"
	"fmt"
	"time"

	"metricmaster/internal/config"
	"metricmaster/internal/domain"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// CandidateSuggester 候选指标建议服务（AI 匹配服务的抽象，便于测试替身）
type CandidateSuggester interface {
	SuggestCandidates(ctx context.Context, metricName string, max int) ([]domain.Candidate, error)
}

// suggestRequest 建议服务请求
type suggestRequest struct {
	MetricName    string `json:"metric_name"`
	MaxCandidates int    `json:"max_candidates"`
}

// suggestResponse 建议服务响应
type suggestResponse struct {
	Candidates []suggestCandidate `json:"candidates"`
}

type suggestCandidate struct {
	MetricID   string  `json:"metric_id"`
	MetricName string  `json:"metric_name"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// SuggestClient 候选建议服务 HTTP 客户端
type SuggestClient struct {
	httpClient    *resty.Client
	maxCandidates int
	logger        *zap.Logger
}

var _ CandidateSuggester = (*SuggestClient)(nil)

// NewSuggestClient 创建建议服务客户端
func NewSuggestClient(cfg config.SuggestConfig, logger *zap.Logger) *SuggestClient {
	client := resty.New().
		SetBaseURL(cfg.HttpAddress).
		SetTimeout(time.Duration(cfg.TimeoutMs) * time.Millisecond).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &SuggestClient{
		httpClient:    client,
		maxCandidates: cfg.MaxCandidates,
		logger:        logger,
	}
}

// SuggestCandidates 请求候选指标列表。
// 置信度在此裁剪到 [0,1]，上游不信任服务端输出
func (c *SuggestClient) SuggestCandidates(ctx context.Context, metricName string, max int) ([]domain.Candidate, error) {
	if max <= 0 || max > c.maxCandidates {
		max = c.maxCandidates
	}

	var response suggestResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(suggestRequest{MetricName: metricName, MaxCandidates: max}).
		SetResult(&response).
		Post("/suggest/candidates")

	if err != nil {
		c.logger.Error("Suggest API call failed",
			zap.Error(err),
			zap.String("metric_name", metricName),
		)
		return nil, &domain.CandidateServiceError{Err: fmt.Errorf("failed to call suggest API: %w", err)}
	}
	if resp.IsError() {
		c.logger.Error("Suggest API returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("metric_name", metricName),
		)
		return nil, &domain.CandidateServiceError{Err: fmt.Errorf("suggest API error: status %d", resp.StatusCode())}
	}

	candidates := make([]domain.Candidate, 0, len(response.Candidates))
	for _, raw := range response.Candidates {
		// metric_id 可空（仅供人工复核的命名建议）；两者皆空的行没有信息量
		if raw.MetricID == "" && raw.MetricName == "" {
			continue
		}
		conf := raw.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		candidates = append(candidates, domain.Candidate{
			MetricID:      raw.MetricID,
			CandidateName: raw.MetricName,
			Confidence:    conf,
			Reason:        raw.Reason,
		})
		if len(candidates) >= max {
			break
		}
	}

	c.logger.Debug("Retrieved candidates from suggest API",
		zap.String("metric_name", metricName),
		zap.Int("candidate_count", len(candidates)),
	)
	return candidates, nil
}
