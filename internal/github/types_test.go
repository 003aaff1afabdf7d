package github

import "testing"

func TestTeamQualified(t *testing.T) {
	tests := []struct {
		name   string
		team   Team
		expect string
	}{
		{
			name:   "org and slug",
			team:   Team{Slug: "platform", Organization: Org{Login: "acme"}},
			expect: "acme/platform",
		},
		{
			name:   "empty org",
			team:   Team{Slug: "platform"},
			expect: "/platform",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.team.Qualified(); got != tt.expect {
				t.Errorf("Qualified() = %q, want %q", got, tt.expect)
			}
		})
	}
}
