package queuesvc

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/queue"
)

// AsynqClient enqueues tasks in redis, through asynq.
type AsynqClient struct {
	client *asynq.Client
}

var _ queue.Client = (*AsynqClient)(nil)

func NewAsynqClient(conf *core.Config) (*AsynqClient, error) {
	opt, err := asynq.ParseRedisURI(conf.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "asynq: parsing redis url")
	}
	return &AsynqClient{client: asynq.NewClient(opt)}, nil
}

func (a *AsynqClient) Enqueue(ctx context.Context, t queue.Task, opts ...queue.EnqueueOption) (string, error) {
	if t.Type == "" {
		return "", errors.New("asynq: task type is required")
	}
	info, err := a.client.EnqueueContext(ctx, asynq.NewTask(t.Type, t.Payload), asynqOptions(opts)...)
	if err != nil {
		return "", errors.Wrap(err, "asynq: enqueuing")
	}
	return info.ID, nil
}

// asynqOptions merges opts: later non-zero fields win.
func asynqOptions(opts []queue.EnqueueOption) []asynq.Option {
	var op queue.EnqueueOption
	for _, o := range opts {
		if o.Queue != "" {
			op.Queue = o.Queue
		}
		if !o.ProcessAt.IsZero() {
			op.ProcessAt = o.ProcessAt
		}
		if o.MaxRetry > 0 {
			op.MaxRetry = o.MaxRetry
		}
		if o.UniqueTTL > 0 {
			op.UniqueTTL = o.UniqueTTL
		}
	}

	var res []asynq.Option
	if op.Queue != "" {
		res = append(res, asynq.Queue(op.Queue))
	}
	if !op.ProcessAt.IsZero() {
		res = append(res, asynq.ProcessAt(op.ProcessAt))
	}
	if op.MaxRetry > 0 {
		res = append(res, asynq.MaxRetry(op.MaxRetry))
	}
	if op.UniqueTTL > 0 {
		res = append(res, asynq.Unique(op.UniqueTTL))
	}
	return res
}

func (a *AsynqClient) Close() error {
	return a.client.Close()
}

// AsynqServer processes the tasks enqueued by AsynqClient.
type AsynqServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

var _ queue.Server = (*AsynqServer)(nil)

// NewAsynqServer consumes the queues listed in `weights` ("notices=6,default=3,scheduled=1").
func NewAsynqServer(conf *core.Config, logger core.Logger, concurrency int, weights string) (*AsynqServer, error) {
	opt, err := asynq.ParseRedisURI(conf.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "asynq: parsing redis url")
	}
	queues := parseQueueWeights(weights)
	if len(queues) == 0 {
		queues = map[string]int{"default": 1}
	}
	if concurrency <= 0 {
		concurrency = 10
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
		Logger:      asynqLogger{logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error(fmt.Sprintf("asynq: processing %s: %v", task.Type(), err), err)
		}),
	})
	return &AsynqServer{server: srv, mux: asynq.NewServeMux()}, nil
}

func (s *AsynqServer) Register(taskType string, h queue.Handler) {
	s.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		return h(ctx, queue.Task{Type: t.Type(), Payload: t.Payload()})
	})
}

// Run processes tasks until ctx is done, then shuts down gracefully.
func (s *AsynqServer) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return errors.Wrap(err, "asynq: starting server")
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

// parseQueueWeights parses strings like "critical=6,default=3,low=1" into a map.
func parseQueueWeights(s string) map[string]int {
	res := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		name := strings.TrimSpace(kv[0])
		if name == "" {
			continue
		}
		w := 1
		if len(kv) == 2 {
			if i, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil && i > 0 {
				w = i
			}
		}
		res[name] = w
	}
	return res
}

type asynqLogger struct {
	logger core.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal(fmt.Sprint(args...)) }
