package main

import "testing"

func TestVerify(t *testing.T) {
	tests := []struct {
		name       string
		duplicates int64
		missing    int64
		wantErr    bool
	}{
		{name: "Clean run", wantErr: false},
		{name: "Duplicate ids", duplicates: 1, wantErr: true},
		{name: "Missing tasks", missing: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verify(tt.duplicates, tt.missing)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}
