package foyer_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/foyerhq/foyer/sdk"
)

// workerGateEnv re-execs the test binary as a worker process: when it is
// set, TestMain runs the SDK message loop instead of the test suite, so
// the full spawn path runs against a real child without an external
// binary.
const workerGateEnv = "FOYER_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerGateEnv) != "" {
		if err := sdk.Serve(context.Background(), sdk.HandlerFunc(echoHandler)); err != nil {
			fmt.Fprintln(os.Stderr, "test worker:", err)
			os.Exit(1)
		}
		return
	}
	os.Exit(m.Run())
}

func echoHandler(_ context.Context, req *sdk.Request) (*sdk.Response, error) {
	return &sdk.Response{
		Status: 200,
		Headers: map[string]string{
			"X-Echo-Method": req.Method,
			"X-Echo-Url":    req.URL,
			"X-Instance":    fmt.Sprintf("%d", sdk.InstanceID()),
		},
		Body: req.Body,
	}, nil
}
