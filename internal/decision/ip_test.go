package decision

import (
	"testing"
)

func TestNormalizeIP(t *testing.T) {
	cases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"1.2.3.4", "1.2.3.4", false},
		{" 1.2.3.4 ", "1.2.3.4", false},
		{"::ffff:1.2.3.4", "1.2.3.4", false},
		{"2001:DB8::1", "2001:db8::1", false},
		{"fe80::1%eth0", "fe80::1", false},
		{"192.168.1.0/24", "", true},
		{"not-an-ip", "", true},
		{"300.1.1.1", "", true},
	}
	for _, c := range cases {
		got, err := NormalizeIP(c.input)
		if c.wantErr {
			if err == nil {
				t.Errorf("NormalizeIP(%q): expected error", c.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeIP(%q): unexpected error: %v", c.input, err)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizeIP(%q): got %q, want %q", c.input, got, c.want)
		}
	}
}

func TestParseAndSanitize(t *testing.T) {
	cases := []struct {
		input   string
		want    string
		isCIDR  bool
		wantErr bool
	}{
		{"1.2.3.4", "1.2.3.4", false, false},
		{"::ffff:1.2.3.4", "1.2.3.4", false, false},
		{"192.168.1.7/24", "192.168.1.0/24", true, false},
		{"2001:db8::/32", "2001:db8::/32", true, false},
		{"10.0.0.0/33", "", false, true},
	}
	for _, c := range cases {
		got, isCIDR, err := ParseAndSanitize(c.input)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseAndSanitize(%q): expected error", c.input)
			}
			continue
		}
		if err != nil || got != c.want || isCIDR != c.isCIDR {
			t.Errorf("ParseAndSanitize(%q) = %q, %v, %v; want %q, %v", c.input, got, isCIDR, err, c.want, c.isCIDR)
		}
	}
}

func TestIsPrivate(t *testing.T) {
	privates := []string{
		"10.0.0.1", "172.16.0.1", "192.168.1.1",
		"127.0.0.1", "169.254.0.1", "100.64.1.1",
		"::1", "fe80::1", "fd00::1", "::ffff:10.1.2.3",
		"10.0.0.0/8",
	}
	for _, ip := range privates {
		if !IsPrivate(ip) {
			t.Errorf("IsPrivate(%q) should be true", ip)
		}
	}
	publics := []string{"1.1.1.1", "8.8.8.8", "2606:4700::1111", "garbage"}
	for _, ip := range publics {
		if IsPrivate(ip) {
			t.Errorf("IsPrivate(%q) should be false", ip)
		}
	}
}

func TestNetList(t *testing.T) {
	nets, err := ParseNetList([]string{"203.0.113.0/24", "198.51.100.7", "", "2001:db8::/48"})
	if err != nil {
		t.Fatalf("ParseNetList: %v", err)
	}
	if len(nets) != 3 {
		t.Fatalf("want 3 networks, got %d", len(nets))
	}
	in := []string{"203.0.113.99", "198.51.100.7", "2001:db8::42", "203.0.113.0/28"}
	for _, ip := range in {
		if !nets.Contains(ip) {
			t.Errorf("%s should be contained", ip)
		}
	}
	out := []string{"198.51.100.8", "2001:db9::1", "nope", ""}
	for _, ip := range out {
		if nets.Contains(ip) {
			t.Errorf("%s should not be contained", ip)
		}
	}
}

func TestParseNetListInvalid(t *testing.T) {
	for _, bad := range []string{"1.2.3", "10.0.0.0/40", "host.example"} {
		if _, err := ParseNetList([]string{bad}); err == nil {
			t.Errorf("ParseNetList(%q): expected error", bad)
		}
	}
}
