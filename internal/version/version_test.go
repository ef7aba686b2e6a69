package version

import "testing"

func TestInfoString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		info Info
		want string
	}{
		{Info{Version: "v1.2.0"}, "v1.2.0"},
		{Info{Version: "v1.2.0", Commit: "abc"}, "v1.2.0 (abc)"},
		{Info{Version: "v1.2.0", Commit: "0123456789abcdef"}, "v1.2.0 (0123456789ab)"},
	}
	for _, tc := range tests {
		if got := tc.info.String(); got != tc.want {
			t.Errorf("%+v: got %q want %q", tc.info, got, tc.want)
		}
	}
}

func TestResolveIsStable(t *testing.T) {
	t.Parallel()

	a, b := Resolve(), Resolve()
	if a != b {
		t.Fatalf("Resolve changed between calls: %+v vs %+v", a, b)
	}
	if a.Version == "" {
		t.Fatal("empty version")
	}
}
