package admission

import (
	"testing"

	"github.com/wudi/tollgate/internal/metadata"
)

func TestParseCIDR(t *testing.T) {
	tests := []struct {
		in   string
		want string // expected network string, "" for unparseable
	}{
		{"10.0.0.0/8", "10.0.0.0/8"},
		{"192.168.1.5", "192.168.1.5/32"},
		{"2001:db8::1", "2001:db8::1/128"},
		{"not-an-ip", ""},
	}
	for _, tt := range tests {
		n := parseCIDR(tt.in)
		if tt.want == "" {
			if n != nil {
				t.Errorf("%s: expected nil, got %v", tt.in, n)
			}
			continue
		}
		if n == nil || n.String() != tt.want {
			t.Errorf("%s: expected %s, got %v", tt.in, tt.want, n)
		}
	}
}

func TestCheckIPPolicy(t *testing.T) {
	e, _ := newLimitEngine()

	tests := []struct {
		name    string
		policy  *metadata.IPPolicy
		ip      string
		blocked bool
	}{
		{"nil policy passes", nil, "10.0.0.1", false},
		{"empty policy passes", &metadata.IPPolicy{}, "10.0.0.1", false},
		{"deny hit", &metadata.IPPolicy{Deny: []string{"10.0.0.0/8"}}, "10.1.2.3", true},
		{"deny miss", &metadata.IPPolicy{Deny: []string{"10.0.0.0/8"}}, "11.1.2.3", false},
		{"allow hit", &metadata.IPPolicy{Allow: []string{"192.168.1.0/24"}}, "192.168.1.9", false},
		{"allow miss blocks", &metadata.IPPolicy{Allow: []string{"192.168.1.0/24"}}, "192.168.2.9", true},
		{
			"deny wins over allow",
			&metadata.IPPolicy{Allow: []string{"10.0.0.0/8"}, Deny: []string{"10.5.0.0/16"}},
			"10.5.1.1",
			true,
		},
		{"single ip entry", &metadata.IPPolicy{Deny: []string{"10.5.1.1"}}, "10.5.1.1", true},
		{"unparseable client ip fails closed", &metadata.IPPolicy{Allow: []string{"10.0.0.0/8"}}, "nonsense", true},
		{"malformed entry is ignored", &metadata.IPPolicy{Deny: []string{"not-a-cidr"}}, "10.0.0.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.checkIPPolicy(tt.policy, tt.ip)
			if tt.blocked && err == nil {
				t.Error("expected block")
			}
			if !tt.blocked && err != nil {
				t.Errorf("expected pass, got %v", err)
			}
		})
	}
}
