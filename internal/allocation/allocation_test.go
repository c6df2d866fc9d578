package allocation

import (
	"errors"
	"strings"
	"testing"
)

func TestCheckAdmission(t *testing.T) {
	// Позиция P1: EAR=1000, глобальный лимит 1000, секции по 250.
	base := AdmissionInput{
		Section:      "A",
		SectionLimit: 250,
		YearlyLimit:  1000,
		GlobalLimit:  1000,
	}

	tests := []struct {
		name             string
		sectionCommitted int64
		totalCommitted   int64
		requested        int64
		wantScope        string
		wantOverage      int64
	}{
		{
			name:      "fills section exactly",
			requested: 250,
		},
		{
			name:             "one over full section",
			sectionCommitted: 250,
			totalCommitted:   250,
			requested:        1,
			wantScope:        ScopeSection,
			wantOverage:      1,
		},
		{
			name:             "yearly limit blocks despite free section",
			sectionCommitted: 0,
			totalCommitted:   750,
			requested:        251,
			wantScope:        ScopeYearly,
			wantOverage:      1,
		},
		{
			name:             "last unit of the year",
			sectionCommitted: 0,
			totalCommitted:   999,
			requested:        1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			in.SectionCommitted = tt.sectionCommitted
			in.TotalCommitted = tt.totalCommitted
			in.Requested = tt.requested

			res, err := CheckAdmission(in)

			if tt.wantScope == "" {
				if err != nil {
					t.Fatalf("CheckAdmission() error = %v, want admit", err)
				}
				if res.SectionTotal != tt.sectionCommitted+tt.requested {
					t.Fatalf("SectionTotal = %d, want %d", res.SectionTotal, tt.sectionCommitted+tt.requested)
				}
				if res.YearlyTotal != tt.totalCommitted+tt.requested {
					t.Fatalf("YearlyTotal = %d, want %d", res.YearlyTotal, tt.totalCommitted+tt.requested)
				}
				return
			}

			var limitErr *LimitExceededError
			if !errors.As(err, &limitErr) {
				t.Fatalf("CheckAdmission() error = %v, want LimitExceededError", err)
			}
			if limitErr.Scope != tt.wantScope {
				t.Fatalf("Scope = %q, want %q", limitErr.Scope, tt.wantScope)
			}
			if limitErr.Overage() != tt.wantOverage {
				t.Fatalf("Overage() = %d, want %d", limitErr.Overage(), tt.wantOverage)
			}
			if res != nil {
				t.Fatalf("result must be nil on rejection")
			}
		})
	}
}

func TestCheckAdmission_InvalidQuantity(t *testing.T) {
	for _, qty := range []int64{0, -5} {
		_, err := CheckAdmission(AdmissionInput{Section: "A", SectionLimit: 10, YearlyLimit: 10, GlobalLimit: 10, Requested: qty})
		if !errors.Is(err, ErrInvalidQuantity) {
			t.Fatalf("CheckAdmission(qty=%d) error = %v, want ErrInvalidQuantity", qty, err)
		}
	}
}

func TestEffectiveLimit_PicksStricter(t *testing.T) {
	if got := EffectiveLimit(1000, 800); got != 800 {
		t.Fatalf("EffectiveLimit(1000, 800) = %d, want 800", got)
	}
	if got := EffectiveLimit(500, 800); got != 500 {
		t.Fatalf("EffectiveLimit(500, 800) = %d, want 500", got)
	}
}

func TestLimitExceededError_Message(t *testing.T) {
	err := &LimitExceededError{
		Scope:     ScopeSection,
		Section:   "B",
		Limit:     100,
		Committed: 90,
		Requested: 25,
	}

	msg := err.Error()
	for _, part := range []string{"section B", "limit 100", "already requested 90", "new request 25", "exceed by 15"} {
		if !strings.Contains(msg, part) {
			t.Fatalf("message %q does not contain %q", msg, part)
		}
	}
}

func TestPercentageUsed(t *testing.T) {
	tests := []struct {
		delivered int64
		limit     int64
		want      float64
	}{
		{0, 250, 0},
		{125, 250, 50},
		{250, 250, 100},
		{1, 3, 33.33},
		{10, 0, 0},
	}

	for _, tt := range tests {
		if got := PercentageUsed(tt.delivered, tt.limit); got != tt.want {
			t.Fatalf("PercentageUsed(%d, %d) = %v, want %v", tt.delivered, tt.limit, got, tt.want)
		}
	}
}
