package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if jobsTotal == nil || assetsTotal == nil ||
		bytesArchivedTotal == nil || activeJobs == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveJob("success")
	if val := testutil.ToFloat64(jobsTotal.WithLabelValues("success")); val != 1 {
		t.Errorf("jobsTotal{success} = %f, want 1", val)
	}

	IncActiveJobs()
	IncActiveJobs()
	DecActiveJobs()
	if val := testutil.ToFloat64(activeJobs); val != 1 {
		t.Errorf("activeJobs = %f, want 1", val)
	}

	ObserveAsset("success", time.Second)
	if val := testutil.ToFloat64(assetsTotal.WithLabelValues("success")); val != 1 {
		t.Errorf("assetsTotal{success} = %f, want 1", val)
	}

	AddArchivedBytes(128)
	AddArchivedBytes(-1)
	if val := testutil.ToFloat64(bytesArchivedTotal); val != 128 {
		t.Errorf("bytesArchivedTotal = %f, want 128", val)
	}
}
