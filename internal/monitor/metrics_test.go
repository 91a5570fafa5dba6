package monitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister_FreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := Register(reg); err == nil {
		t.Error("second registration on the same registry should fail")
	}
}

func TestMetricsValues(t *testing.T) {
	before := testutil.ToFloat64(EmergencyStops.WithLabelValues("test"))
	EmergencyStops.WithLabelValues("test").Inc()
	if got := testutil.ToFloat64(EmergencyStops.WithLabelValues("test")); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}

	MotorStage.Set(3)
	if got := testutil.ToFloat64(MotorStage); got != 3 {
		t.Errorf("expected stage gauge 3, got %v", got)
	}

	InvokeAttempts.WithLabelValues("set_motor_throttle", "success").Inc()
	InvokeDuration.WithLabelValues("set_motor_throttle").Observe(0.01)
}
