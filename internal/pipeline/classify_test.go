package pipeline

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    Category
	}{
		{"connection timeout", "Connection timeout while reading source", CategoryTemporary},
		{"try again", "server overloaded, please try again later", CategoryTemporary},
		{"temporarily unavailable", "backend temporarily unavailable", CategoryTemporary},
		{"out of memory", "Out of memory during page render", CategoryResource},
		{"disk full", "insufficient disk space for page artifact", CategoryResource},
		{"database locked", "database is locked", CategoryResource},
		{"ssl failure", "SSL handshake failed", CategoryNetwork},
		{"dns failure", "DNS lookup failed for host", CategoryNetwork},
		{"permission denied", "Permission denied opening original file", CategoryPermanent},
		{"corrupt file", "file is corrupt: bad xref table", CategoryPermanent},
		{"invalid format", "invalid PDF structure", CategoryPermanent},
		{"unrecognized", "something entirely novel happened", CategoryUnknown},
		{"case insensitive", "CONNECTION TIMEOUT", CategoryTemporary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.message); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.message, got, tt.want)
			}
		})
	}
}

func TestClassifyFirstCategoryWins(t *testing.T) {
	// "timeout" (temporary) appears before "permission denied" (permanent)
	// in the ordered keyword list, so temporary wins.
	got := Classify("timeout after permission denied")
	if got != CategoryTemporary {
		t.Errorf("Classify = %s, want %s", got, CategoryTemporary)
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name      string
		category  Category
		attempt   int
		max       int
		wantRetry bool
		wantWait  time.Duration
		wantStrat string
	}{
		{"temporary first attempt", CategoryTemporary, 1, 3, true, 20 * time.Second, "exponential_backoff"},
		{"temporary second attempt", CategoryTemporary, 2, 3, true, 40 * time.Second, "exponential_backoff"},
		{"resource fixed wait", CategoryResource, 1, 3, true, 60 * time.Second, "fixed_wait"},
		{"network fixed wait", CategoryNetwork, 2, 3, true, 30 * time.Second, "fixed_wait"},
		{"permanent never retries", CategoryPermanent, 1, 3, false, 0, ""},
		{"unknown retries once", CategoryUnknown, 1, 3, true, 120 * time.Second, "cautious_single_retry"},
		{"unknown no second retry", CategoryUnknown, 2, 3, false, 0, ""},
		{"max attempts exhausted", CategoryTemporary, 3, 3, false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.category, tt.attempt, tt.max)
			if d.ShouldRetry != tt.wantRetry {
				t.Fatalf("ShouldRetry = %v, want %v (reason %q)", d.ShouldRetry, tt.wantRetry, d.Reason)
			}
			if !d.ShouldRetry {
				return
			}
			if d.Wait != tt.wantWait {
				t.Errorf("Wait = %s, want %s", d.Wait, tt.wantWait)
			}
			if d.Strategy != tt.wantStrat {
				t.Errorf("Strategy = %q, want %q", d.Strategy, tt.wantStrat)
			}
		})
	}
}

func TestDecideBackoffCap(t *testing.T) {
	d := Decide(CategoryTemporary, 6, 10)
	if !d.ShouldRetry {
		t.Fatalf("expected retry, got %q", d.Reason)
	}
	if d.Wait != 300*time.Second {
		t.Errorf("Wait = %s, want capped 300s", d.Wait)
	}
}

func TestDecideMaxAttemptsReason(t *testing.T) {
	d := Decide(CategoryTemporary, 3, 3)
	if d.ShouldRetry {
		t.Fatal("expected no retry at max attempts")
	}
	if d.Reason != "max_attempts_exceeded" {
		t.Errorf("Reason = %q, want max_attempts_exceeded", d.Reason)
	}
}
