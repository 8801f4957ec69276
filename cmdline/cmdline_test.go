package cmdline

import (
	"strings"
	"testing"
)

func TestParseEnvAndArgs(t *testing.T) {
	r, err := Parse(`A=1 B='x y' /bin/p a b`)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	wantEnv := []string{"A=1", "B=x y"}
	wantArgs := []string{"/bin/p", "a", "b"}
	if strings.Join(r.Env, ",") != strings.Join(wantEnv, ",") {
		t.Errorf("Env = %v, want %v", r.Env, wantEnv)
	}
	if strings.Join(r.Args, ",") != strings.Join(wantArgs, ",") {
		t.Errorf("Args = %v, want %v", r.Args, wantArgs)
	}
}

func TestParseNoEnv(t *testing.T) {
	r, err := Parse("/bin/echo hello world")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(r.Env) != 0 {
		t.Errorf("Env = %v, want none", r.Env)
	}
	want := []string{"/bin/echo", "hello", "world"}
	if strings.Join(r.Args, ",") != strings.Join(want, ",") {
		t.Errorf("Args = %v, want %v", r.Args, want)
	}
}

func TestParseNoProgram(t *testing.T) {
	if _, err := Parse("A=1 B=2"); err == nil {
		t.Error("expected an error when the line has no program")
	}
	if _, err := Parse(""); err == nil {
		t.Error("expected an error for an empty line")
	}
}

func TestParseMaxEnv(t *testing.T) {
	var b strings.Builder
	for i := 0; i < MaxEnv+1; i++ {
		b.WriteString("K=V ")
	}
	b.WriteString("/bin/p")
	if _, err := Parse(b.String()); err == nil {
		t.Error("expected an error exceeding MaxEnv")
	}
}

func TestParseMaxArgs(t *testing.T) {
	var b strings.Builder
	b.WriteString("/bin/p ")
	for i := 0; i < MaxArgs+1; i++ {
		b.WriteString("a ")
	}
	if _, err := Parse(b.String()); err == nil {
		t.Error("expected an error exceeding MaxArgs")
	}
}

func TestParseCollapsesRepeatedSpaces(t *testing.T) {
	r, err := Parse("/bin/p   a    b")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	want := []string{"/bin/p", "a", "b"}
	if strings.Join(r.Args, ",") != strings.Join(want, ",") {
		t.Errorf("Args = %v, want %v", r.Args, want)
	}
}

func TestSubstitute(t *testing.T) {
	args := []string{"/sbin/recover", "<proc>", "signal=<exitcode>"}
	got := Substitute(args, "getty", 11)
	want := []string{"/sbin/recover", "getty", "signal=11"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d: got %q want %q", i, got[i], want[i])
		}
	}
	if args[1] != "<proc>" {
		t.Error("Substitute mutated its input")
	}
}
