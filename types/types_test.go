package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusReassigned, true},
		{StatusReassigned, StatusProcessing, true},
		{StatusReassigned, StatusReassigned, false},
		{StatusReassigned, StatusCompleted, true},
		{StatusFailed, StatusProcessing, true},
		{StatusFailed, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusReassigned, false},
		{StatusProcessing, StatusPending, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("%s -> %s = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestParseTaskStatus(t *testing.T) {
	s, err := ParseTaskStatus("processing")
	if err != nil || s != StatusProcessing {
		t.Fatalf("ParseTaskStatus(processing) = %v, %v", s, err)
	}
	if _, err := ParseTaskStatus("Running"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(StatusReport{Status: StatusCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"status":"Completed"}` {
		t.Fatalf("unexpected json %s", data)
	}

	var rep StatusReport
	if err := json.Unmarshal([]byte(`{"status":"Reassigned"}`), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Status != StatusReassigned {
		t.Fatalf("status = %s", rep.Status)
	}
	if err := json.Unmarshal([]byte(`{"status":"Bogus"}`), &rep); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestDeserializeTaskMessage(t *testing.T) {
	msg, err := DeserializeTaskMessage([]byte(`{"task_id":"t1","payload":"{}"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.TaskType != DefaultTaskType {
		t.Fatalf("task type = %q, want default", msg.TaskType)
	}

	for _, raw := range []string{`not json`, `{"payload":"{}"}`} {
		if _, err := DeserializeTaskMessage([]byte(raw)); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("%q: expected ErrMalformedMessage, got %v", raw, err)
		}
	}
}

func TestWorkerLive(t *testing.T) {
	now := time.Now()
	w := &Worker{LastHeartbeat: now.Add(-4 * time.Minute)}
	if !w.Live(now, 5*time.Minute) {
		t.Fatal("worker within window should be live")
	}
	w.LastHeartbeat = now.Add(-6 * time.Minute)
	if w.Live(now, 5*time.Minute) {
		t.Fatal("worker past window should not be live")
	}
}

func TestTaskCloneIsDeep(t *testing.T) {
	ref := int64(7)
	res := "ok"
	orig := &Task{TaskID: "t1", WorkerRef: &ref, Result: &res}
	c := orig.Clone()
	*c.WorkerRef = 9
	*c.Result = "changed"
	if *orig.WorkerRef != 7 || *orig.Result != "ok" {
		t.Fatal("clone shares pointer fields with its source")
	}
}

func TestIsRejected(t *testing.T) {
	if !IsRejected(ErrTaskSettled) || !IsRejected(ErrRetriesExhausted) || !IsRejected(ErrInvalidTransition) {
		t.Fatal("state machine refusals should be rejected")
	}
	if IsRejected(ErrTaskNotFound) {
		t.Fatal("not found is not a state machine refusal")
	}
}
