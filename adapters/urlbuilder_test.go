package adapters

import "testing"

func TestBuildUpdateURLWithSubchannel(t *testing.T) {
	b := NewURLBuilder("https://dl.example.com/")
	got, err := b.BuildUpdateURL("testcoin", "cli", "linux64", "1.3.0")
	if err != nil {
		t.Fatalf("BuildUpdateURL() error = %v", err)
	}
	want := "https://dl.example.com/cli/testcoin-linux64-v1.3.0.tar.bz2"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuildUpdateURLWithoutSubchannel(t *testing.T) {
	b := NewURLBuilder("https://dl.example.com")
	got, err := b.BuildUpdateURL("testcoin-gui", "", "linux64", "1.3.0")
	if err != nil {
		t.Fatalf("BuildUpdateURL() error = %v", err)
	}
	want := "https://dl.example.com/testcoin-gui-linux64-v1.3.0.tar.bz2"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuildUpdateURLRequiresFields(t *testing.T) {
	b := NewURLBuilder("https://dl.example.com")
	if _, err := b.BuildUpdateURL("", "cli", "linux64", "1.3.0"); err == nil {
		t.Error("expected an error when software is empty")
	}
}

func TestSubChannel(t *testing.T) {
	cases := []struct {
		software, buildtag, want string
	}{
		{"testcoin", "linux64", "cli"},
		{"testcoin", "linux64-source", "source"},
		{"testcoin-gui", "linux64", ""},
		{"testcoin-gui", "linux64-source", "source"},
	}
	for _, c := range cases {
		if got := SubChannel(c.software, c.buildtag); got != c.want {
			t.Errorf("SubChannel(%q, %q) = %q, want %q", c.software, c.buildtag, got, c.want)
		}
	}
}
