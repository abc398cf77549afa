// Package api 后端 REST 接口客户端（只读）
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/apperr"
	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Resource 供展示层使用的辅助资源，不参与分级与合并
type Resource string

const (
	ResourceProfile        Resource = "/users/profile"
	ResourceMedications    Resource = "/medications/"
	ResourceRiskPrediction Resource = "/predictions/risk"
	ResourceHealthReport   Resource = "/smart/health-report"
)

// 历史查询区间
var historyPeriods = map[string]bool{"24h": true, "7d": true, "30d": true}

// Config REST 客户端配置
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
}

// errorBody 后端错误响应 {"detail": "..."}
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

// Client 后端 REST 客户端
//
// 每个请求携带 Bearer token 与 Accept-Language，二者在发送时求值，
// 因此登录、登出与切换语言无需重建客户端。
type Client struct {
	httpClient *resty.Client
	token      func() string
	language   func() string
	logger     *zap.Logger
}

// NewClient 创建 REST 客户端
func NewClient(cfg Config, token func() string, language func() string, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := &Client{
		token:    token,
		language: language,
		logger:   logger,
	}

	c.httpClient = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			if r.Token == "" {
				if tok := c.token(); tok != "" {
					r.SetAuthToken(tok)
				}
			}
			lang := c.language()
			if lang == "" {
				lang = "en"
			}
			r.SetHeader("Accept-Language", lang)
			return nil
		})

	return c
}

// CurrentVitals GET /vitals/current
func (c *Client) CurrentVitals(ctx context.Context) (models.VitalsReading, error) {
	var reading models.VitalsReading
	if err := c.get(ctx, "/vitals/current", nil, &reading); err != nil {
		return models.VitalsReading{}, err
	}
	return reading, nil
}

// Alerts GET /vitals/alerts，最新在前
func (c *Client) Alerts(ctx context.Context) ([]models.Alert, error) {
	var alerts []models.Alert
	if err := c.get(ctx, "/vitals/alerts", nil, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// History GET /vitals/history?period=24h|7d|30d，按时间升序
func (c *Client) History(ctx context.Context, period string) ([]models.VitalsReading, error) {
	if !historyPeriods[period] {
		return nil, apperr.Validation(fmt.Sprintf("unsupported history period %q", period), nil)
	}
	var readings []models.VitalsReading
	if err := c.get(ctx, "/vitals/history", map[string]string{"period": period}, &readings); err != nil {
		return nil, err
	}
	return readings, nil
}

// Profile GET /users/profile
func (c *Client) Profile(ctx context.Context) (models.Identity, error) {
	var identity models.Identity
	if err := c.get(ctx, string(ResourceProfile), nil, &identity); err != nil {
		return models.Identity{}, err
	}
	return identity, nil
}

// ProfileWithToken 用指定 token 拉取资料（登录前确认身份）
func (c *Client) ProfileWithToken(ctx context.Context, token string) (models.Identity, error) {
	var identity models.Identity
	if err := c.do(ctx, string(ResourceProfile), nil, token, &identity); err != nil {
		return models.Identity{}, err
	}
	return identity, nil
}

// Medications GET /medications/
func (c *Client) Medications(ctx context.Context) (json.RawMessage, error) {
	return c.Resource(ctx, ResourceMedications)
}

// RiskPrediction GET /predictions/risk
func (c *Client) RiskPrediction(ctx context.Context) (json.RawMessage, error) {
	return c.Resource(ctx, ResourceRiskPrediction)
}

// HealthReport GET /smart/health-report
func (c *Client) HealthReport(ctx context.Context) (json.RawMessage, error) {
	return c.Resource(ctx, ResourceHealthReport)
}

// Resource 拉取辅助资源，原样返回 JSON 文档
func (c *Client) Resource(ctx context.Context, resource Resource) (json.RawMessage, error) {
	var doc json.RawMessage
	if err := c.get(ctx, string(resource), nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, result interface{}) error {
	return c.do(ctx, path, query, "", result)
}

// do 发送 GET 请求；token 为空时使用会话 token
func (c *Client) do(ctx context.Context, path string, query map[string]string, token string, result interface{}) error {
	var errBody errorBody
	req := c.httpClient.R().
		SetContext(ctx).
		SetError(&errBody)
	if token != "" {
		req.SetAuthToken(token)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	resp, err := req.Get(path)
	if err != nil {
		c.logger.Debug("REST request failed",
			zap.String("path", path),
			zap.Error(err),
		)
		return apperr.Fetch("GET "+path, 0, err)
	}

	if resp.IsError() {
		detail := string(errBody.Detail)
		c.logger.Debug("REST request returned error status",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("detail", detail),
		)
		return apperr.Fetch(fmt.Sprintf("GET %s: %s", path, http.StatusText(resp.StatusCode())),
			resp.StatusCode(), fmt.Errorf("status %d: %s", resp.StatusCode(), detail))
	}

	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return apperr.Fetch("GET "+path, resp.StatusCode(), apperr.Validation("malformed response body", err))
	}
	return nil
}
