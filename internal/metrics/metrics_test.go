package metrics

import (
	"errors"
	"testing"
)

func TestPromRecordsOnPrivateRegistry(t *testing.T) {
	p := NewProm("resolvd_test")
	p.ObservePackageLoad("pkg_a", "success", 0.2)
	p.ObserveEngineAttempt("script", "failure", 0.1)
	p.AddCacheEvictions(2)
	p.SetCacheBytes(1024)
	p.IncEvent("LoadSuccess")

	families, err := p.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"resolvd_test_package_load_duration_seconds",
		"resolvd_test_engine_attempt_duration_seconds",
		"resolvd_test_cache_evictions_total",
		"resolvd_test_cache_bytes",
		"resolvd_test_lifecycle_events_total",
	} {
		if !names[want] {
			t.Errorf("missing metric family %s", want)
		}
	}

	// A second instance must not collide with the first
	NewProm("resolvd_test")
}

func TestOutcome(t *testing.T) {
	if Outcome(nil) != "success" || Outcome(errors.New("x")) != "failure" {
		t.Fatalf("unexpected outcome labels")
	}
}
