package validation

import "testing"

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"pl-100", "PL-100"},
		{"  PL-100  ", "PL-100"},
		{" pl 200 ", "PL 200"},
		{"   ", ""},
	}

	for _, tt := range tests {
		if got := NormalizeCode(tt.in); got != tt.want {
			t.Fatalf("NormalizeCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeSection(t *testing.T) {
	if got := NormalizeSection(" ems "); got != "EMS" {
		t.Fatalf("NormalizeSection = %q, want EMS", got)
	}
}

func TestNormalizeEmpID(t *testing.T) {
	if got := NormalizeEmpID(" emp01 "); got != "EMP01" {
		t.Fatalf("NormalizeEmpID = %q, want EMP01", got)
	}
}
