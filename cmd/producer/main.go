package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/chhz0/taskq/client"
	"github.com/chhz0/taskq/types"
)

func main() {
	var (
		coordinator = flag.String("coordinator", envOr("TASKQ_COORDINATOR_URL", "http://localhost:8080"), "coordinator base URL")
		token       = flag.String("token", os.Getenv("TASKQ_API_TOKEN"), "API token")
		taskType    = flag.String("type", types.DefaultTaskType, "task type")
		payload     = flag.String("payload", "{}", "task payload (JSON)")
		priority    = flag.Int("priority", 0, "task priority")
		count       = flag.Int("n", 1, "number of tasks to submit")
		wait        = flag.Duration("wait", 0, "poll each task until it settles or this timeout passes")
	)
	flag.Parse()

	c := client.New(*coordinator, client.WithToken(*token))
	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)

	for i := 0; i < *count; i++ {
		info, err := c.SubmitTask(ctx, types.TaskSubmission{TaskType: *taskType, Payload: *payload, Priority: *priority})
		if err != nil {
			log.Fatalf("submit: %v", err)
		}
		if *wait > 0 {
			info = poll(ctx, c, info, *wait)
		}
		_ = enc.Encode(info)
	}
}

func poll(ctx context.Context, c *client.Client, info *types.TaskInfo, timeout time.Duration) *types.TaskInfo {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		got, err := c.GetTask(ctx, info.TaskID)
		if err != nil {
			log.Printf("poll %s: %v", info.TaskID, err)
			return info
		}
		info = got
		if info.Status == types.StatusCompleted || info.Status == types.StatusFailed {
			return info
		}
		time.Sleep(500 * time.Millisecond)
	}
	return info
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
