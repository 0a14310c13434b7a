package zeo

import "testing"

func TestNegotiateVersion(t *testing.T) {
	cases := []struct {
		name       string
		serverTag  VersionTag
		clientMax  VersionTag
		wantChosen VersionTag
		wantErr    bool
	}{
		{"equal", V4, V4, V4, false},
		{"server older", V2, V4, V2, false},
		{"server newer than client max", V4, V2, V2, false},
		{"unknown server tag", VersionTag("Z99"), V4, "", true},
		{"unset client max falls back to highest supported", V3, VersionTag("nope"), V3, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := negotiateVersion(c.serverTag, c.clientMax)
			if c.wantErr {
				if err == nil {
					t.Fatalf("negotiateVersion(%q, %q): expected error, got chosen=%q", c.serverTag, c.clientMax, got)
				}
				if _, ok := err.(*ProtocolError); !ok {
					t.Fatalf("expected *ProtocolError, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("negotiateVersion(%q, %q): unexpected error: %v", c.serverTag, c.clientMax, err)
			}
			if got != c.wantChosen {
				t.Fatalf("negotiateVersion(%q, %q) = %q, want %q", c.serverTag, c.clientMax, got, c.wantChosen)
			}
		})
	}
}

func TestIsSupportedVersion(t *testing.T) {
	for _, v := range supportedVersions {
		if !isSupportedVersion(v) {
			t.Fatalf("%q should be supported", v)
		}
	}
	if isSupportedVersion(VersionTag("bogus")) {
		t.Fatal("unknown tag reported as supported")
	}
}
