package admission

import "testing"

func TestCompatibleVersion(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"current version", []byte(ProtocolVersion), true},
		{"newer minor version", []byte("v1.1.0"), true},
		{"older major version", []byte("v0.9.0"), false},
		{"garbage", []byte("not-a-version"), false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := compatibleVersion(tt.data); got != tt.want {
				t.Errorf("compatibleVersion(%q) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}
