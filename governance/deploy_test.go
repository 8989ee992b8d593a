package governance

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestDeployablePredicate(t *testing.T) {
	tests := []struct {
		name     string
		isActive bool
		statuses []RuleStatus
		want     bool
	}{
		{"active ruleset with no rules", true, nil, true},
		{"inactive ruleset", false, []RuleStatus{StatusActive}, false},
		{"all rules active", true, []RuleStatus{StatusActive, StatusActive}, true},
		{"mix of active and inactive rules", true, []RuleStatus{StatusActive, StatusInactive}, true},
		{"draft rule blocks", true, []RuleStatus{StatusActive, StatusDraft}, false},
		{"pending rule blocks", true, []RuleStatus{StatusPendingApproval}, false},
		{"approved but not activated blocks", true, []RuleStatus{StatusApproved}, false},
		{"rejected rule blocks", true, []RuleStatus{StatusActive, StatusRejected}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := &Ruleset{ID: "rs-1", IsActive: tt.isActive}
			rules := make([]Rule, len(tt.statuses))
			for i, status := range tt.statuses {
				rules[i] = Rule{ID: "r", Status: status}
			}
			if got := Deployable(rs, rules); got != tt.want {
				t.Errorf("Deployable() = %v, want %v", got, tt.want)
			}

			err := checkDeployable(rs, rules)
			if tt.want && err != nil {
				t.Errorf("checkDeployable() = %v, want nil", err)
			}
			if !tt.want && !errors.Is(err, ErrNotDeployable) {
				t.Errorf("checkDeployable() = %v, want ErrNotDeployable", err)
			}
		})
	}
}
