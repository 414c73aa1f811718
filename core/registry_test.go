package core

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/chhz0/taskq/middleware"
	"github.com/chhz0/taskq/types"
)

func TestHandlerRegistryFallback(t *testing.T) {
	r := NewHandlerRegistry()
	if _, err := r.Execute(context.Background(), &types.TaskMessage{TaskType: "Anything"}); err == nil {
		t.Fatal("expected error with no handlers")
	}

	(&Builtins{}).Register(r)
	out, err := r.Execute(context.Background(), &types.TaskMessage{TaskID: "t", TaskType: "Unknown", Payload: "{}"})
	if err != nil {
		t.Fatal(err)
	}
	var res map[string]interface{}
	if err := json.Unmarshal([]byte(out), &res); err != nil || res["status"] != "Completed" {
		t.Fatalf("default handler = %s, %v", out, err)
	}
}

func TestHandlerRegistryAppliesChain(t *testing.T) {
	var calls []string
	trace := func(next middleware.Handler) middleware.Handler {
		return func(ctx context.Context, msg *types.TaskMessage) (string, error) {
			calls = append(calls, "mw:"+msg.TaskType)
			return next(ctx, msg)
		}
	}
	r := NewHandlerRegistry(middleware.Recover(), trace)
	r.Register("Panics", func(ctx context.Context, msg *types.TaskMessage) (string, error) {
		panic("handler bug")
	})

	_, err := r.Execute(context.Background(), &types.TaskMessage{TaskType: "Panics"})
	if err == nil || !strings.Contains(err.Error(), "handler bug") {
		t.Fatalf("expected recovered panic, got %v", err)
	}
	if len(calls) != 1 || calls[0] != "mw:Panics" {
		t.Fatalf("middleware calls = %v", calls)
	}
}

func TestBuiltins(t *testing.T) {
	r := NewHandlerRegistry()
	(&Builtins{}).Register(r)

	tests := []struct {
		taskType, payload string
		field             string
		want              interface{}
		wantErr           bool
	}{
		{"Compute", `{}`, "result", "42", false},
		{"Compute", `{"numbers":[1.5,2.5,4]}`, "result", "8", false},
		{"DataProcessing", `{}`, "records", float64(100), false},
		{"DataProcessing", `{"records":[{},{}]}`, "records", float64(2), false},
		{"Email", `{"to":"a@b.c"}`, "status", "Sent", false},
		{"Default", `{}`, "status", "Completed", false},
		{"Compute", `not json`, "", nil, true},
		{"Email", `null`, "", nil, true},
		{"Default", `"text"`, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.taskType+" "+tt.payload, func(t *testing.T) {
			out, err := r.Execute(context.Background(), &types.TaskMessage{TaskType: tt.taskType, Payload: tt.payload})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", out)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			var res map[string]interface{}
			if err := json.Unmarshal([]byte(out), &res); err != nil {
				t.Fatal(err)
			}
			if res[tt.field] != tt.want {
				t.Fatalf("%s = %v, want %v", tt.field, res[tt.field], tt.want)
			}
		})
	}
}

func TestBuiltinsRespectCancellation(t *testing.T) {
	r := NewHandlerRegistry()
	(&Builtins{Delay: 1 << 40}).Register(r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Execute(ctx, &types.TaskMessage{TaskType: "Email", Payload: "{}"}); err == nil {
		t.Fatal("expected cancellation error")
	}
}
