package server

import "testing"

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line string
		verb string
		arg  string
	}{
		{"NOOP", "NOOP", ""},
		{"user alice", "USER", "alice"},
		{"RETR my file.txt", "RETR", "my file.txt"},
		{"CWD  leading", "CWD", " leading"},
		{"PASS ", "PASS", ""},
		{"\xff\xf4\xff\xf2ABOR", "ABOR", ""},
		{"garbageSTAT", "STAT", ""},
		{"QUIT", "QUIT", ""},
		{"quit", "QUIT", ""},
		{"abor", "ABOR", ""},
		{"XPWD", "XPWD", ""},
		{"XABOR", "ABOR", ""},
		{"FOOX arg", "FOOX", "arg"},
	}

	for _, tt := range tests {
		verb, arg := parseCommand(tt.line)
		if verb != tt.verb || arg != tt.arg {
			t.Errorf("parseCommand(%q) = (%q, %q), want (%q, %q)", tt.line, verb, arg, tt.verb, tt.arg)
		}
	}
}

func TestJoinPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cwd, arg, want string
	}{
		{"/", "", "/"},
		{"/a", "", "/a"},
		{"/", "file", "/file"},
		{"/a/b", "c", "/a/b/c"},
		{"/a/b", "..", "/a"},
		{"/a", "../../..", "/"},
		{"/a", "/x/y/", "/x/y"},
		{"/a", "/../etc", "/etc"},
		{"/a", "./b/./c", "/a/b/c"},
	}

	for _, tt := range tests {
		if got := joinPath(tt.cwd, tt.arg); got != tt.want {
			t.Errorf("joinPath(%q, %q) = %q, want %q", tt.cwd, tt.arg, got, tt.want)
		}
	}
}

func TestBannerLines(t *testing.T) {
	t.Parallel()

	if got := bannerLines("Welcome!"); len(got) != 1 || got[0] != "220 Welcome!" {
		t.Errorf("short banner = %q", got)
	}

	got := bannerLines("line one\nline two")
	want := []string{"220-line one", "220-line two", "220 "}
	if len(got) != len(want) {
		t.Fatalf("multi-line banner = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFormatListLine(t *testing.T) {
	t.Parallel()

	store := NewMemoryStorage()
	fatalIfErr(t, store.Fs().MkdirAll("/d", 0o755), "mkdir")
	info, err := store.Fs().Stat("/d")
	fatalIfErr(t, err, "stat")

	line := formatListLine(info)
	if line[:10] != "drwxr-xr-x" {
		t.Errorf("mode column = %q", line[:10])
	}
	if line[len(line)-2:] != " d" {
		t.Errorf("name column missing in %q", line)
	}
}
