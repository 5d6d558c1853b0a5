package hostcheck

import "testing"

func TestIsPrivate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"127.255.255.255", true},
		{"10.0.0.5", true},
		{"172.16.0.1", true},
		{"172.31.255.254", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"0.0.0.0", true},
		{"169.254.169.254", true},
		{"::1", true},
		{"[::1]", true},
		{"fc00::1", true},
		{"fe80::1", true},
		{"localhost", true},
		{"LOCALHOST", true},
		{"8.8.8.8", false},
		{"2001:4860:4860::8888", false},
		{"api.example.com", false},
	}
	for _, tt := range tests {
		if got := IsPrivate(tt.host); got != tt.want {
			t.Errorf("IsPrivate(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestValidate_PrivateNeverBypassed(t *testing.T) {
	t.Parallel()

	// Private hosts fail regardless of allowlist content.
	for _, host := range []string{"127.0.0.1", "10.1.2.3", "localhost", "169.254.169.254"} {
		if Validate(host, nil) {
			t.Errorf("Validate(%q, nil) = true, want false", host)
		}
		if Validate(host, []string{host, "*"}) {
			t.Errorf("Validate(%q, allowlisted) = true, want false", host)
		}
	}
}

func TestValidate_Wildcard(t *testing.T) {
	t.Parallel()

	allow := []string{"*.example.com"}
	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"a.example.com", true},
		{"x.y.example.com", true},
		{"evil-example.com", false},
		{"notexample.com", false},
		{"example.com.evil.net", false},
	}
	for _, tt := range tests {
		if got := Validate(tt.host, allow); got != tt.want {
			t.Errorf("Validate(%q, *.example.com) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestValidate_ExactAndEmpty(t *testing.T) {
	t.Parallel()

	if !Validate("api.stripe.com", nil) {
		t.Error("empty allowlist should admit public host")
	}
	if !Validate("api.stripe.com", []string{"api.stripe.com"}) {
		t.Error("exact pattern should match")
	}
	if Validate("api.stripe.com", []string{"stripe.com"}) {
		t.Error("plain pattern must match exactly")
	}
}

func TestMatchIPAllowlist(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ip   string
		list []string
		want bool
	}{
		{"203.0.113.7", []string{"203.0.113.7"}, true},
		{"203.0.113.7", []string{"203.0.113.8"}, false},
		{"203.0.113.7", []string{"203.0.113.0/24"}, true},
		{"203.0.114.7", []string{"203.0.113.0/24"}, false},
		{"203.0.113.7", []string{"0.0.0.0/0"}, true},
		{"203.0.113.7", []string{"203.0.113.7/32"}, true},
		{"not-an-ip", []string{"0.0.0.0/0"}, false},
		{"203.0.113.7", []string{"garbage"}, false},
		{"203.0.113.7", nil, false},
	}
	for _, tt := range tests {
		if got := MatchIPAllowlist(tt.ip, tt.list); got != tt.want {
			t.Errorf("MatchIPAllowlist(%q, %v) = %v, want %v", tt.ip, tt.list, got, tt.want)
		}
	}
}
