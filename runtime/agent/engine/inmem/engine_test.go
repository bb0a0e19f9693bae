package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/flowmesh/agentcore/runtime/agent/engine"
)

type testRunInput struct{ Greeting string }
type testRunOutput struct{ Echo string }
type testToolInput struct{ ToolCallID string }
type testToolOutput struct{ Payload string }
type testPauseSignal struct {
	RunID  string
	Reason string
}

func TestActivityExecution(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "test_plan",
		Handler: func(ctx context.Context, input any) (any, error) {
			in, _ := input.(*testRunInput)
			return &testRunOutput{Echo: in.Greeting}, nil
		},
	})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			in, _ := input.(*testRunInput)
			var out testRunOutput
			req := engine.ActivityRequest{Name: "test_plan", Input: in}
			if err := wfCtx.ExecuteActivity(wfCtx.Context(), req, &out); err != nil {
				return nil, err
			}
			if out.Echo != "hi" {
				t.Errorf("unexpected plan output: %+v", out)
			}
			return &out, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "test-run-1",
		Workflow: "test_workflow",
		Input:    &testRunInput{Greeting: "hi"},
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	var out testRunOutput
	if err := handle.Wait(ctx, &out); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if out.Echo != "hi" {
		t.Errorf("unexpected workflow result: %+v", out)
	}
}

func TestToolActivityFutureExecution(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "test_tool",
		Handler: func(ctx context.Context, input any) (any, error) {
			return &testToolOutput{Payload: "null"}, nil
		},
	})
	if err != nil {
		t.Fatalf("register tool activity: %v", err)
	}

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			fut, err2 := wfCtx.ExecuteToolActivityAsync(wfCtx.Context(), engine.ToolActivityCall{
				Name:  "test_tool",
				Input: &testToolInput{ToolCallID: "tool-1"},
			})
			if err2 != nil {
				return nil, err2
			}
			var out testToolOutput
			if err2 := fut.Get(wfCtx.Context(), &out); err2 != nil {
				return nil, err2
			}
			if out.Payload != "null" {
				t.Errorf("unexpected tool output: %+v", out)
			}
			return &testRunOutput{}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "test-run-2",
		Workflow: "test_workflow",
		Input:    &testRunInput{},
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	var out testRunOutput
	if err := handle.Wait(ctx, &out); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
}

func TestSignalDelivery(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			var req testPauseSignal
			if err2 := wfCtx.SignalChannel("pause").Receive(wfCtx.Context(), &req); err2 != nil {
				return nil, err2
			}
			if req.RunID != "test-run-3" || req.Reason != "human" {
				t.Errorf("unexpected pause request: %+v", req)
			}
			return &testRunOutput{}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "test-run-3",
		Workflow: "test_workflow",
		Input:    &testRunInput{},
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	err = handle.Signal(ctx, "pause", &testPauseSignal{RunID: "test-run-3", Reason: "human"})
	if err != nil {
		t.Fatalf("signal workflow: %v", err)
	}

	var out testRunOutput
	if err := handle.Wait(ctx, &out); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
}

func TestSignalByIDAndCancelByID(t *testing.T) {
	e := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan testPauseSignal, 1)
	err := e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			var req testPauseSignal
			if err2 := wfCtx.SignalChannel("pause").Receive(wfCtx.Context(), &req); err2 != nil {
				return nil, err2
			}
			received <- req
			return &testRunOutput{}, nil
		},
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "test-run-4",
		Workflow: "test_workflow",
		Input:    &testRunInput{},
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	signaler, ok := e.(engine.Signaler)
	if !ok {
		t.Fatal("in-memory engine must implement engine.Signaler")
	}
	if err := signaler.SignalByID(ctx, "test-run-4", "", "pause", &testPauseSignal{RunID: "test-run-4", Reason: "human"}); err != nil {
		t.Fatalf("signal by id: %v", err)
	}

	select {
	case req := <-received:
		if req.RunID != "test-run-4" {
			t.Errorf("unexpected signal payload: %+v", req)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for signal")
	}

	var out testRunOutput
	if err := handle.Wait(ctx, &out); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	canceler, ok := e.(engine.Canceler)
	if !ok {
		t.Fatal("in-memory engine must implement engine.Canceler")
	}
	if err := canceler.CancelByID(ctx, "test-run-4"); err != nil {
		t.Fatalf("cancel by id: %v", err)
	}
	if err := canceler.CancelByID(ctx, "missing-run"); err != engine.ErrWorkflowNotFound {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}
