package util

import "testing"

func TestGeneratedIDs(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"person", GeneratePersonID, PersonIDPrefix},
		{"template", GenerateTemplateID, TemplateIDPrefix},
		{"instance", GenerateInstanceID, InstanceIDPrefix},
		{"step", GenerateStepID, StepIDPrefix},
		{"message", GenerateMessageID, MessageIDPrefix},
		{"job", GenerateJobID, JobIDPrefix},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.gen()
			if !HasIDPrefix(id, tt.prefix) {
				t.Errorf("%s ID %q is not %s followed by 32 hex digits", tt.name, id, tt.prefix)
			}
		})
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := NewID(InstanceIDPrefix)
		if seen[id] {
			t.Fatalf("duplicate ID %q after %d draws", id, i)
		}
		seen[id] = true
	}
}

func TestHasIDPrefix(t *testing.T) {
	tests := []struct {
		id     string
		prefix string
		want   bool
	}{
		{"seq_0123456789abcdef0123456789abcdef", "seq_", true},
		{"seq_0123456789ABCDEF0123456789abcdef", "seq_", false},
		{"seq_0123", "seq_", false},
		{"tpl_0123456789abcdef0123456789abcdef", "seq_", false},
		{"seq_0123456789abcdef0123456789abcdeg", "seq_", false},
		{"", "seq_", false},
	}
	for _, tt := range tests {
		if got := HasIDPrefix(tt.id, tt.prefix); got != tt.want {
			t.Errorf("HasIDPrefix(%q, %q) = %v, want %v", tt.id, tt.prefix, got, tt.want)
		}
	}
}

func TestTokenLength(t *testing.T) {
	if tok := Token(); len(tok) != idHexLength {
		t.Errorf("Token() length = %d, want %d", len(tok), idHexLength)
	}
}
