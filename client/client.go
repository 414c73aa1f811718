// client/client.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chhz0/taskq/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const defaultTimeout = 10 * time.Second

// Client coordinator HTTP 接口的客户端，实现 core.Coordinator
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError 未映射到领域错误的非 2xx 响应
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Code, e.Message)
}

func (c *Client) RegisterWorker(ctx context.Context, reg types.WorkerRegistration) (*types.Worker, error) {
	var w types.Worker
	if err := c.do(ctx, http.MethodPost, "/workers/register", reg, &w, types.ErrWorkerNotFound); err != nil {
		return nil, err
	}
	return &w, nil
}

func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodGet, "/workers/heartbeat/"+url.PathEscape(workerID), nil, nil, types.ErrWorkerNotFound)
}

func (c *Client) ReportStatus(ctx context.Context, taskID string, report types.StatusReport) error {
	return c.do(ctx, http.MethodPost, "/tasks/status/"+url.PathEscape(taskID), report, nil, types.ErrTaskNotFound)
}

func (c *Client) SubmitTask(ctx context.Context, sub types.TaskSubmission) (*types.TaskInfo, error) {
	var info types.TaskInfo
	if err := c.do(ctx, http.MethodPost, "/tasks", sub, &info, types.ErrTaskNotFound); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*types.TaskInfo, error) {
	var info types.TaskInfo
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &info, types.ErrTaskNotFound); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListTasks status 为空表示不过滤，limit<=0 使用服务端默认值
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]types.TaskInfo, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var infos []types.TaskInfo
	if err := c.do(ctx, http.MethodGet, path, nil, &infos, types.ErrTaskNotFound); err != nil {
		return nil, err
	}
	return infos, nil
}

// ActivePeers 无需 token 的在线节点列表
func (c *Client) ActivePeers(ctx context.Context) ([]types.Worker, error) {
	var workers []types.Worker
	if err := c.do(ctx, http.MethodGet, "/workers/peers", nil, &workers, types.ErrWorkerNotFound); err != nil {
		return nil, err
	}
	return workers, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, notFound error) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return statusError(resp, notFound)
}

func statusError(resp *http.Response, notFound error) error {
	var e types.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &e); err != nil || e.Message == "" {
		e.Message = strings.TrimSpace(string(data))
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", notFound, e.Message)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", types.ErrInvalidRequest, e.Message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", rejection(e.Message), e.Message)
	}
	return &StatusError{Code: resp.StatusCode, Message: e.Message}
}

// rejection 409 的响应体里带着服务端的错误文本，据此还原具体原因
func rejection(msg string) error {
	for _, err := range []error{types.ErrTaskSettled, types.ErrRetriesExhausted} {
		if strings.Contains(msg, err.Error()) {
			return err
		}
	}
	return types.ErrInvalidTransition
}

// IsStatus 判断是否为指定状态码的 StatusError
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
