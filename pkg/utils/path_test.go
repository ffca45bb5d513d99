package utils

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSplitDevicePath(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		want      []string
		traversal bool
		wantErr   bool
	}{
		{"root", "/", []string{}, false, false},
		{"empty", "", []string{}, false, false},
		{"nested", "/DCIM/100CANON/IMG_0001.JPG", []string{"DCIM", "100CANON", "IMG_0001.JPG"}, false, false},
		{"empty segments", "//DCIM///A/", []string{"DCIM", "A"}, false, false},
		{"dot segment", "/DCIM/./A", []string{"DCIM", "A"}, false, false},
		{"traversal", "/DCIM/../etc", nil, true, true},
		{"leading traversal", "../x", nil, true, true},
		{"dotdot prefix is a name", "/..hidden", []string{"..hidden"}, false, false},
		{"nul byte", "/DCIM/a\x00b", nil, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitDevicePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SplitDevicePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if tt.traversal && !errors.Is(err, ErrPathTraversal) {
				t.Errorf("expected ErrPathTraversal, got %v", err)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitDevicePath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestJoinDevicePath(t *testing.T) {
	if got := JoinDevicePath(); got != "/" {
		t.Errorf("JoinDevicePath() = %q", got)
	}
	if got := JoinDevicePath("/DCIM/", "", "IMG.JPG"); got != "/DCIM/IMG.JPG" {
		t.Errorf("JoinDevicePath = %q", got)
	}
}

func TestSecureJoin(t *testing.T) {
	base := t.TempDir()

	got, err := SecureJoin(base, "DCIM", "IMG.JPG")
	if err != nil {
		t.Fatalf("SecureJoin failed: %v", err)
	}
	if got != filepath.Join(base, "DCIM", "IMG.JPG") {
		t.Errorf("SecureJoin = %q", got)
	}

	if _, err := SecureJoin(base, "..", "etc"); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("expected traversal error, got %v", err)
	}
	if _, err := SecureJoin("", "x"); err == nil {
		t.Error("expected error for empty base")
	}
}
